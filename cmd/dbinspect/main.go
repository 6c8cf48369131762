package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dheeraj-coding/zed/pkg/archive"
	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/directory"
	"github.com/dheeraj-coding/zed/pkg/server"
	"github.com/dheeraj-coding/zed/pkg/validate"
)

func main() {
	confFile := flag.String("conf", os.Getenv("ZED_CONF"), "Path to server config file (env: ZED_CONF)")
	dbPath := flag.String("db", "", "Path to the channel database, overrides config")
	backend := flag.String("backend", "", "Storage backend: bolt or sqlite, overrides config")
	showTree := flag.Bool("tree", false, "Print the channel tree")
	showUser := flag.Uint64("user", 0, "Show memberships for a user id")
	showCommits := flag.Int("commits", 0, "Show the last N commits")
	runValidate := flag.Bool("validate", false, "Run integrity checks")
	fix := flag.Bool("fix", false, "Apply fixable findings (implies -validate)")
	jsonOut := flag.Bool("json", false, "Print the validation report as JSON")
	makeArchive := flag.Bool("archive", false, "Write an archive to the archive dir")
	listArchives := flag.Bool("list", false, "List archives in the archive dir")
	verifyPath := flag.String("verify", "", "Verify an archive's checksums")
	restorePath := flag.String("restore", "", "Restore an archive over the configured database")
	flag.Parse()

	gc, err := server.LoadServerConf(*confFile)
	if err != nil {
		fatalf("loading config: %v", err)
	}
	if *dbPath != "" {
		gc.DBPath = *dbPath
	}
	if *backend != "" {
		gc.Backend = *backend
	}
	if err := gc.Validate(); err != nil {
		fatalf("invalid config: %v", err)
	}

	// Archive commands that must not hold the database open.
	switch {
	case *listArchives:
		printArchives(gc.ArchiveDir)
		return
	case *verifyPath != "":
		m, err := archive.Verify(*verifyPath)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("OK: %s (%s, %s backend, seq %d, %d channels, %d files)\n",
			*verifyPath, m.Timestamp, m.Backend, m.Seq, m.Channels, len(m.Files))
		return
	case *restorePath != "":
		res, err := archive.Restore(archive.RestoreParams{
			ArchivePath: *restorePath,
			DBDest:      gc.DBPath,
			ConfDest:    *confFile,
			UsersDest:   gc.UsersFile,
		})
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Restored %d files (seq %d) into %s\n", res.FilesRestored, res.Manifest.Seq, gc.DBPath)
		for _, w := range res.Warnings {
			fmt.Printf("WARNING: %s\n", w)
		}
		return
	}

	if _, err := os.Stat(gc.DBPath); err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("Opening %s store: %s\n", gc.Backend, gc.DBPath)
	start := time.Now()
	store, err := server.OpenStore(gc)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	ctx := context.Background()
	dir := directory.New(store, nil)
	snap, err := dir.Snapshot(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Loaded in %v\n\n", time.Since(start))

	// Always print summary
	printSummary(snap)

	if *showTree {
		fmt.Println()
		printTree(snap)
	}

	if *showUser != 0 {
		fmt.Println()
		printUser(ctx, dir, chandb.UserID(*showUser))
	}

	if *showCommits > 0 {
		fmt.Println()
		printCommits(ctx, dir, snap.Seq, *showCommits)
	}

	if *runValidate || *fix {
		fmt.Println()
		runValidation(ctx, store, *fix, *jsonOut)
	}

	if *makeArchive {
		fmt.Println()
		path, err := archive.Create(archive.Params{
			Store:       store,
			Backend:     gc.Backend,
			ConfPath:    *confFile,
			UsersPath:   gc.UsersFile,
			Dir:         gc.ArchiveDir,
			Name:        gc.Name,
			Seq:         snap.Seq,
			Channels:    len(snap.Channels),
			Memberships: len(snap.Memberships),
		})
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Archive written: %s\n", path)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}

func printSummary(snap chandb.Snapshot) {
	roots, members, invites, admins := 0, 0, 0, 0
	for _, ch := range snap.Channels {
		if ch.IsRoot() {
			roots++
		}
	}
	users := make(map[chandb.UserID]bool)
	for _, m := range snap.Memberships {
		users[m.UserID] = true
		if m.IsMember() {
			members++
		} else {
			invites++
		}
		if m.Admin {
			admins++
		}
	}

	fmt.Println("=== DIRECTORY SUMMARY ===")
	fmt.Printf("Last commit:    %d\n", snap.Seq)
	fmt.Printf("Channels:       %d (%d roots)\n", len(snap.Channels), roots)
	fmt.Printf("Memberships:    %d (%d admin)\n", members, admins)
	fmt.Printf("Invitations:    %d\n", invites)
	fmt.Printf("Users:          %d\n", len(users))
}

func printTree(snap chandb.Snapshot) {
	fmt.Println("=== CHANNEL TREE ===")
	byParent := make(map[chandb.ChannelID][]chandb.Channel)
	for _, ch := range snap.Channels {
		byParent[ch.ParentID] = append(byParent[ch.ParentID], ch)
	}
	for _, list := range byParent {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	count := make(map[chandb.ChannelID]int)
	for _, m := range snap.Memberships {
		count[m.ChannelID]++
	}

	seen := make(map[chandb.ChannelID]bool)
	var walk func(id chandb.ChannelID, depth int)
	walk = func(id chandb.ChannelID, depth int) {
		for _, ch := range byParent[id] {
			if seen[ch.ID] {
				fmt.Printf("%s%-6s (cycle)\n", strings.Repeat("  ", depth), ch.ID)
				continue
			}
			seen[ch.ID] = true
			fmt.Printf("%s%-6s %-30s %d records\n", strings.Repeat("  ", depth), ch.ID, truncate(ch.Name, 30), count[ch.ID])
			walk(ch.ID, depth+1)
		}
	}
	walk(chandb.NoChannel, 0)

	// Channels under a missing parent never hang off a root.
	for _, ch := range snap.Channels {
		if !seen[ch.ID] {
			fmt.Printf("%-6s %-30s detached (parent %s)\n", ch.ID, truncate(ch.Name, 30), ch.ParentID)
		}
	}
}

func printUser(ctx context.Context, dir *directory.Directory, user chandb.UserID) {
	fmt.Printf("=== USER %s ===\n", user)
	vs, err := dir.VisibleState(ctx, user)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	fmt.Printf("%-8s %-10s %-6s %s\n", "Channel", "State", "Admin", "Inviter")
	fmt.Println(strings.Repeat("-", 40))
	for _, m := range vs.Memberships {
		if m.UserID != user {
			continue
		}
		inviter := "-"
		if m.InviterID != 0 {
			inviter = m.InviterID.String()
		}
		fmt.Printf("%-8s %-10s %-6v %s\n", m.ChannelID, m.State, m.Admin, inviter)
	}
	fmt.Printf("\nVisible channels: %d\n", len(vs.Channels))
}

func printCommits(ctx context.Context, dir *directory.Directory, last uint64, n int) {
	fmt.Printf("=== LAST %d COMMITS ===\n", n)
	var after uint64
	if last > uint64(n) {
		after = last - uint64(n)
	}
	commits, err := dir.Commits(ctx, after, n)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	for _, c := range commits {
		fmt.Printf("%6d %-18s by %-6s %d events\n", c.Seq, c.Op, c.Actor, len(c.Events))
		for _, ev := range c.Events {
			switch {
			case ev.Membership != nil:
				fmt.Printf("         %-20s %s on %s\n", ev.Kind, ev.Membership.UserID, ev.Membership.ChannelID)
			default:
				ids := make([]string, len(ev.Channels))
				for i, ch := range ev.Channels {
					ids[i] = ch.ID.String()
				}
				fmt.Printf("         %-20s %s\n", ev.Kind, strings.Join(ids, " "))
			}
		}
	}
}

func runValidation(ctx context.Context, store server.Store, fix, jsonOut bool) {
	v, fixed, err := server.CheckStore(ctx, store, fix)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		if err := validate.GenerateReport(v).WriteJSON(os.Stdout); err != nil {
			fatalf("%v", err)
		}
		return
	}

	fmt.Println("=== VALIDATION ===")
	errs, warnings := 0, 0
	for _, f := range v.Findings() {
		status := ""
		switch {
		case f.Fixed:
			status = " [fixed]"
		case f.Fixable:
			status = " [fixable]"
		}
		fmt.Printf("%-7s %-22s %s%s\n", strings.ToUpper(f.Severity.String()), f.Category, f.Description, status)
		if f.Severity == validate.SevError {
			errs++
		} else if f.Severity == validate.SevWarning {
			warnings++
		}
	}
	fmt.Printf("\nValidation complete: %d errors, %d warnings, %d fixed\n", errs, warnings, fixed)
}

func printArchives(dir string) {
	list, err := archive.List(dir)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("=== ARCHIVES in %s ===\n", dir)
	fmt.Printf("%-34s %-29s %-7s %8s %10s\n", "File", "Timestamp", "Backend", "Seq", "Size")
	fmt.Println(strings.Repeat("-", 92))
	for _, a := range list {
		fmt.Printf("%-34s %-29s %-7s %8d %10d\n", a.Filename, a.Timestamp, a.Backend, a.Seq, a.Size)
	}
	fmt.Printf("\nTotal archives: %d\n", len(list))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
