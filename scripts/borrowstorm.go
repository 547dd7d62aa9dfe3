//go:build ignore
// +build ignore

// Package main provides a manual concurrency stress test for the borrow API.
//
// Usage:
//
//	go run ./scripts/borrowstorm.go <book_id> <user1_id> [user2_id ...]
//
// Or use the convenience environment variables:
//
//	BOOK_ID=<uuid>  USER_IDS=<uuid1>,<uuid2>,...  go run ./scripts/borrowstorm.go
//
// What it does:
//  1. Fires N goroutines (one per user) all attempting to borrow the same
//     book simultaneously.
//  2. Prints how many got a loan vs. an out-of-stock refusal vs. an error.
//
// If the number of loans exceeds the book's available copies, the inventory
// ledger is broken — that is the condition this script exists to catch.
//
// Prerequisites:
//   - Server must be running.
//   - The book and all users must already exist.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type borrowResult struct {
	UserID     string
	StatusCode int
	Message    string
	Err        error
}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	bookID := os.Getenv("BOOK_ID")
	userIDsEnv := os.Getenv("USER_IDS")

	var userIDs []string
	if userIDsEnv != "" {
		userIDs = strings.Split(userIDsEnv, ",")
	}

	// Support positional args: script <book_id> [user_ids...]
	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 2 {
		userIDs = args[1:]
	}

	if bookID == "" {
		log.Fatal("Usage: BOOK_ID=<uuid> USER_IDS=<u1,u2,...> go run ./scripts/borrowstorm.go\n" +
			"  or: go run ./scripts/borrowstorm.go <book_id> <user1_id> [user2_id ...]")
	}
	if len(userIDs) == 0 {
		log.Fatal("At least one user ID must be provided via USER_IDS env or positional args")
	}

	fmt.Printf("=== Borrow Concurrency Test ===\n")
	fmt.Printf("Server : %s\n", serverAddr)
	fmt.Printf("Book   : %s\n", bookID)
	fmt.Printf("Users  : %d\n\n", len(userIDs))

	results := make([]borrowResult, len(userIDs))
	var wg sync.WaitGroup

	// Fire all goroutines simultaneously using a barrier.
	start := make(chan struct{})

	for i, uid := range userIDs {
		wg.Add(1)
		go func(idx int, userID string) {
			defer wg.Done()
			<-start
			results[idx] = attemptBorrow(serverAddr, bookID, strings.TrimSpace(userID))
		}(i, uid)
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)

	wg.Wait()
	fmt.Print("All requests completed.\n\n")

	var loans, outOfStock, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] user=%-38s err=%v\n", r.UserID, r.Err)
		case r.StatusCode == http.StatusCreated:
			loans++
			fmt.Printf("  [LOAN] user=%-38s status=%d\n", r.UserID, r.StatusCode)
		case r.StatusCode == http.StatusConflict:
			outOfStock++
			fmt.Printf("  [FULL] user=%-38s status=%d %s\n", r.UserID, r.StatusCode, r.Message)
		default:
			failures++
			fmt.Printf("  [FAIL] user=%-38s status=%d %s\n", r.UserID, r.StatusCode, r.Message)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Loans        : %d\n", loans)
	fmt.Printf("Out of stock : %d\n", outOfStock)
	fmt.Printf("Failures     : %d\n", failures)
	fmt.Printf("Total        : %d\n\n", len(userIDs))

	fmt.Println("--- Invariant Check ---")
	fmt.Printf("Loans recorded: %d — if this is <= the book's available copies\n", loans)
	fmt.Println("before the run, the inventory ledger held under concurrency.")

	if failures > 0 {
		fmt.Printf("\n[WARNING] %d request(s) failed — check server logs for details.\n", failures)
		os.Exit(1)
	}
}

// attemptBorrow sends POST /loans/borrow for the given user and book.
func attemptBorrow(serverAddr, bookID, userID string) borrowResult {
	body := fmt.Sprintf(`{"user_id":%q,"book_id":%q}`, userID, bookID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(serverAddr+"/loans/borrow", "application/json", bytes.NewBufferString(body))
	if err != nil {
		return borrowResult{UserID: userID, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	var parsed map[string]interface{}
	_ = json.Unmarshal(raw, &parsed)
	msg, _ := parsed["error"].(string)

	return borrowResult{
		UserID:     userID,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
