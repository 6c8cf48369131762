package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/client"
	"github.com/dheeraj-coding/zed/pkg/protocol"
)

func main() {
	baseURL := flag.String("url", "https://localhost:8443", "Server base URL")
	name := flag.String("name", os.Getenv("ZED_USER"), "Account name (env: ZED_USER)")
	password := flag.String("password", os.Getenv("ZED_PASSWORD"), "Account password (env: ZED_PASSWORD)")
	insecure := flag.Bool("insecure", false, "Skip TLS verification (self-signed server certs)")
	expr := flag.String("e", "", "Command to run (non-interactive mode)")
	batch := flag.String("batch", "", "File with commands to run (one per line)")
	watch := flag.Bool("watch", false, "Print status changes as they happen")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "Usage: chanclient -url <https://host:port> -name <user> [-password <pw>] [-e <command> | -batch <file>]")
		os.Exit(1)
	}

	var tlsConf *tls.Config
	if *insecure {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConf},
	}
	wsURL := strings.Replace(strings.TrimRight(*baseURL, "/"), "http", "ws", 1) + "/ws"

	// Log in on every dial so a reconnect never presents an expired token.
	dial := func(ctx context.Context) (protocol.Conn, error) {
		token, err := login(ctx, httpClient, *baseURL, *name, *password)
		if err != nil {
			return nil, err
		}
		return protocol.DialTLS(ctx, wsURL, token, tlsConf)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := client.New(dial, client.DefaultConfig())
	if err := store.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *watch {
		go func() {
			for st := range store.StatusChanges() {
				log.Printf("status: %s", st)
			}
		}()
	}

	sh := &shell{store: store}

	if *expr != "" {
		out, err := sh.exec(ctx, *expr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	if *batch != "" {
		if failed := sh.runBatch(ctx, *batch); failed > 0 {
			os.Exit(1)
		}
		return
	}

	// Interactive mode
	fmt.Printf("Connected as %s (seq %d). Type help for commands.\n", store.User(), store.Seq())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("zed> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		out, err := sh.exec(ctx, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Print(out)
	}
}

// login exchanges a name and password for a session token.
func login(ctx context.Context, hc *http.Client, baseURL, name, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": name, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	return out.Token, nil
}

// runBatch runs each line of path and returns how many expectations failed.
// A line may end in " | <code>" to expect that error code, or " | ok".
func (sh *shell) runBatch(ctx context.Context, path string) int {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening batch file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	failed := 0
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " | ", 2)
		out, err := sh.exec(ctx, parts[0])
		if len(parts) < 2 {
			if err != nil {
				fmt.Printf("Line %d: %s => error: %v\n", lineNum, parts[0], err)
			} else {
				fmt.Printf("Line %d: %s =>\n%s", lineNum, parts[0], out)
			}
			continue
		}

		expected := strings.TrimSpace(parts[1])
		got := "ok"
		if err != nil {
			got = string(chandb.CodeOf(err))
		}
		status := "PASS"
		if !strings.EqualFold(got, expected) {
			status = "FAIL"
			failed++
		}
		fmt.Printf("[%s] Line %d: %s\n", status, lineNum, parts[0])
		if status == "FAIL" {
			fmt.Printf("  Expected: %s\n", expected)
			fmt.Printf("  Got:      %s (%v)\n", got, err)
		}
	}
	return failed
}

// shell maps text commands onto store operations.
type shell struct {
	store *client.Store
}

var errUsage = errors.New("usage: ls | invites | show <ch> | create <name> [parent] | invite <ch> <user> [admin] | " +
	"accept <ch> | decline <ch> | rename <ch> <name> | move <ch> <parent> | remove <ch> <user> | sync | status")

func (sh *shell) exec(ctx context.Context, line string) (string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", errUsage
	}
	s := sh.store
	var b strings.Builder

	switch cmd, rest := args[0], args[1:]; cmd {
	case "help":
		return errUsage.Error()[len("usage: "):] + "\n", nil
	case "ls":
		for _, ch := range s.Channels() {
			admin := ""
			if s.IsAdmin(ch.ID) {
				admin = " (admin)"
			}
			parent := "-"
			if !ch.IsRoot() {
				parent = ch.ParentID.String()
			}
			fmt.Fprintf(&b, "%-6s %-6s %s%s\n", ch.ID, parent, ch.Name, admin)
		}
	case "invites":
		for _, ch := range s.ChannelInvitations() {
			fmt.Fprintf(&b, "%-6s %s\n", ch.ID, ch.Name)
		}
	case "show":
		if len(rest) != 1 {
			return "", errUsage
		}
		id, err := parseChannel(rest[0])
		if err != nil {
			return "", err
		}
		ch, ok := s.Channel(id)
		if !ok {
			return "", chandb.ErrNotFound
		}
		fmt.Fprintf(&b, "%s %q parent %s admin %v\n", ch.ID, ch.Name, ch.ParentID, s.IsAdmin(ch.ID))
	case "create":
		if len(rest) < 1 || len(rest) > 2 {
			return "", errUsage
		}
		parent := chandb.NoChannel
		if len(rest) == 2 {
			var err error
			if parent, err = parseChannel(rest[1]); err != nil {
				return "", err
			}
		}
		id, err := s.CreateChannel(ctx, rest[0], parent)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "created %s\n", id)
	case "invite":
		if len(rest) < 2 || len(rest) > 3 {
			return "", errUsage
		}
		id, err := parseChannel(rest[0])
		if err != nil {
			return "", err
		}
		user, err := parseUser(rest[1])
		if err != nil {
			return "", err
		}
		if err := s.InviteMember(ctx, id, user, len(rest) == 3 && rest[2] == "admin"); err != nil {
			return "", err
		}
	case "accept", "decline":
		if len(rest) != 1 {
			return "", errUsage
		}
		id, err := parseChannel(rest[0])
		if err != nil {
			return "", err
		}
		if err := s.RespondToInvite(ctx, id, cmd == "accept"); err != nil {
			return "", err
		}
	case "rename":
		if len(rest) < 2 {
			return "", errUsage
		}
		id, err := parseChannel(rest[0])
		if err != nil {
			return "", err
		}
		if err := s.RenameChannel(ctx, id, strings.Join(rest[1:], " ")); err != nil {
			return "", err
		}
	case "move":
		if len(rest) != 2 {
			return "", errUsage
		}
		id, err := parseChannel(rest[0])
		if err != nil {
			return "", err
		}
		parent, err := parseChannel(rest[1])
		if err != nil {
			return "", err
		}
		if err := s.MoveChannel(ctx, id, parent); err != nil {
			return "", err
		}
	case "remove":
		if len(rest) != 2 {
			return "", errUsage
		}
		id, err := parseChannel(rest[0])
		if err != nil {
			return "", err
		}
		user, err := parseUser(rest[1])
		if err != nil {
			return "", err
		}
		if err := s.RemoveMember(ctx, id, user); err != nil {
			return "", err
		}
	case "sync":
		if err := s.Sync(ctx); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "seq %d\n", s.Seq())
	case "status":
		fmt.Fprintf(&b, "%s as %s, seq %d\n", s.Status(), s.User(), s.Seq())
	default:
		return "", errUsage
	}
	return b.String(), nil
}

// parseChannel accepts "#3" or "3". "root" and "0" name the root.
func parseChannel(s string) (chandb.ChannelID, error) {
	if s == "root" {
		return chandb.NoChannel, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad channel %q", s)
	}
	return chandb.ChannelID(n), nil
}

// parseUser accepts "u2" or "2".
func parseUser(s string) (chandb.UserID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "u"), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("bad user %q", s)
	}
	return chandb.UserID(n), nil
}
