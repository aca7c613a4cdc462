// Command device is a reference client: it signs in, reconciles the local
// device cache with the server, marks the viewed chapter, and reports live
// viewer counts until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"learnsync/internal/ledger"
	"learnsync/internal/localstore"
	"learnsync/internal/presence"
	"learnsync/internal/remote"
	"learnsync/internal/syncer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found")
	}

	serverURL := envOr("SERVER_URL", "http://localhost:8080")
	devicePath := envOr("DEVICE_DB", "learnsync-device.db")
	chapterID, err := strconv.Atoi(envOr("CHAPTER", "1"))
	if err != nil {
		log.Fatalf("Invalid CHAPTER: %v", err)
	}

	local, err := localstore.Open(devicePath)
	if err != nil {
		log.Fatalf("Failed to open device store: %v", err)
	}
	defer local.Close()

	ctx := context.Background()

	var (
		token  string
		userID uint
	)
	if username := os.Getenv("USERNAME"); username != "" {
		token, userID, err = login(serverURL, username, os.Getenv("PASSWORD"))
		if err != nil {
			log.Printf("Login failed, continuing anonymous: %v", err)
		} else {
			log.Printf("Signed in as %s (user %d)", username, userID)
		}
	}

	store := remote.NewHTTPStore(serverURL, token)
	rt := remote.NewWSRealtime(serverURL, token)

	ldg := ledger.New(store, userID)
	engine := syncer.NewEngine(store, ldg, local)
	defer engine.Close()

	localChapters, err := local.Completed(ctx)
	if err != nil {
		log.Fatalf("Failed to read local chapters: %v", err)
	}
	localScores, err := local.QuizScores(ctx)
	if err != nil {
		log.Fatalf("Failed to read local quiz scores: %v", err)
	}

	if userID != 0 {
		merged := engine.MergeAllProgress(ctx, userID, localChapters, localScores)
		log.Printf("Merged progress: %d chapters, %d quiz scores", len(merged.Chapters), len(merged.QuizScores))
	} else {
		log.Printf("Anonymous: %d chapters, %d quiz scores (local only)", len(localChapters), len(localScores))
	}

	// Record the visit and mark the chapter completed through the dual-write
	// path so the remote row follows in the background.
	if err := local.SetLastVisited(ctx, chapterID); err != nil {
		log.Printf("Failed to record last visited: %v", err)
	}
	if err := engine.MarkChapterCompleted(ctx, userID, chapterID, true); err != nil {
		log.Printf("Failed to mark chapter: %v", err)
	}

	// Presence: announce this session and watch live counts.
	sessionKey := presence.NewSessionKey()
	exact := presence.JoinChapter(ctx, rt, chapterID, sessionKey)
	defer exact.Close()

	heartbeat := presence.StartHeartbeat(ctx, rt, chapterID, sessionKey)
	defer heartbeat.Close()

	agg := presence.NewAggregator(rt)
	agg.Start(ctx)
	defer agg.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	log.Printf("Viewing chapter %d; press Ctrl-C to leave", chapterID)
	for {
		select {
		case <-ticker.C:
			log.Printf("Chapter %d: %d viewing now (%d by heartbeat)",
				chapterID, exact.Count(), agg.Count(chapterID))
		case <-interrupt:
			log.Println("Leaving")
			engine.Drain()
			return
		}
	}
}

func login(serverURL, username, password string) (string, uint, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", 0, err
	}

	resp, err := http.Post(serverURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var out struct {
		Token  string `json:"token"`
		UserID uint   `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, err
	}
	return out.Token, out.UserID, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
