// Command peer joins a document as a headless collaborator. Remote edits are
// printed as they arrive and every stdin line is appended to the document.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quillsync/internal/peer"
	"quillsync/internal/surface"
	"quillsync/internal/syncengine"
	"quillsync/internal/treestate"
	"quillsync/pkg/logger"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	token := flag.String("token", os.Getenv("QUILLSYNC_TOKEN"), "JWT for the server")
	userID := flag.String("user", "", "user id carried in the token's sub claim")
	docID := flag.String("doc", "", "workspace, folder or file id to edit")
	workspaceID := flag.String("workspace", "", "workspace to mirror locally (optional)")
	saveDelay := flag.Duration("save-delay", syncengine.DefaultSaveDelay, "quiet period before saving")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger.Init(*logLevel)
	defer logger.Sync()

	if *token == "" || *userID == "" || *docID == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := peer.NewRESTStore(*server, *token)
	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(*server, "/"), "http") + "/ws"
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := peer.Dial(dialCtx, wsURL, *token)
	cancel()
	if err != nil {
		logger.Sugar.Fatalf("Could not connect: %v", err)
	}
	defer conn.Close()

	tree := treestate.New()
	if *workspaceID != "" {
		node, err := store.Tree(ctx, *workspaceID)
		if err != nil {
			logger.Sugar.Fatalf("Could not load workspace %s: %v", *workspaceID, err)
		}
		tree.Dispatch(treestate.SetWorkspaces{Workspaces: []treestate.WorkspaceNode{node}})
	}
	mirror := func(id string, content json.RawMessage) { peer.ApplyContent(tree, id, content) }

	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	session := syncengine.New(syncengine.Config{
		UserID:    *userID,
		Channel:   conn,
		Presence:  conn,
		Store:     store,
		Profiles:  store,
		SaveDelay: *saveDelay,
		Hooks: syncengine.Hooks{
			SavingChanged: func(saving bool) {
				if saving {
					fmt.Fprintln(os.Stderr, "saving...")
				}
			},
			SaveFailed: func(id string, err error) {
				fmt.Fprintf(os.Stderr, "could not save %s: %v\n", id, err)
			},
			LoadFailed: func(id string, err error) {
				fail(fmt.Errorf("load %s: %w", id, err))
			},
			RosterChanged: func(_ string, roster []syncengine.PeerRecord) {
				names := make([]string, 0, len(roster))
				for _, p := range roster {
					names = append(names, syncengine.CursorLabel(p))
				}
				fmt.Fprintf(os.Stderr, "online: %s\n", strings.Join(names, ", "))
			},
			ContentLoaded: mirror,
			ContentSaved:  mirror,
		},
	})
	defer session.Close()

	doc := surface.NewMemory()
	doc.OnChange(func(ev syncengine.ChangeEvent) {
		if ev.Source == syncengine.RemoteApply {
			fmt.Printf("--- %s ---\n%s", *docID, doc.Text())
		}
	})
	conn.OnRoomRemoved(func(room string) {
		if room == *docID {
			fail(fmt.Errorf("document %s was deleted", room))
		}
	})
	session.Bind(doc, *docID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			logger.Sugar.Error("Connection to server closed")
			return
		case err := <-failed:
			logger.Sugar.Error(err)
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if session.State() != syncengine.Ready {
				fmt.Fprintf(os.Stderr, "not ready (%s), dropped input\n", session.State())
				continue
			}
			// Insert before the trailing newline every document keeps.
			if err := doc.Insert(doc.Length()-1, line+"\n"); err != nil {
				logger.Sugar.Warnf("Edit failed: %v", err)
			}
		}
	}
}
