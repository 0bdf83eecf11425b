/**
 * @description
 * Operator script that grants promotional Istekhara requests to an account through the
 * quota service's internal API. It asks for confirmation before writing the grant.
 *
 * Usage:
 *   go run ./cmd/grant <owner-id> <quantity|unlimited> <reference>
 *
 * Example:
 *   go run ./cmd/grant user_2abc 5 ramadan-2026-user_2abc
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files.
 * - Environment variables: QUOTA_SERVICE_URL, INTERNAL_API_KEY
 */

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type envelope struct {
	Message    string          `json:"message"`
	Result     json.RawMessage `json:"result"`
	Status     bool            `json:"status"`
	StatusCode int             `json:"status_code"`
}

type grantPayload struct {
	OwnerID   string `json:"owner_id"`
	Quantity  int    `json:"quantity,omitempty"`
	Unlimited bool   `json:"unlimited,omitempty"`
	Reference string `json:"reference"`
}

type grantedEntry struct {
	ID          string     `json:"id"`
	Quantity    int        `json:"quantity"`
	Unlimited   bool       `json:"unlimited"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func main() {
	if len(os.Args) != 4 {
		fmt.Println("Usage: go run ./cmd/grant <owner-id> <quantity|unlimited> <reference>")
		fmt.Println("Example: go run ./cmd/grant user_2abc 5 ramadan-2026-user_2abc")
		os.Exit(1)
	}

	payload := grantPayload{OwnerID: os.Args[1], Reference: os.Args[3]}
	if os.Args[2] == "unlimited" {
		payload.Unlimited = true
	} else {
		qty, err := strconv.Atoi(os.Args[2])
		if err != nil || qty <= 0 {
			log.Fatalf("quantity must be a positive integer or \"unlimited\", got %q", os.Args[2])
		}
		payload.Quantity = qty
	}

	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	apiKey := os.Getenv("INTERNAL_API_KEY")
	baseURL := strings.TrimSuffix(os.Getenv("QUOTA_SERVICE_URL"), "/")
	if apiKey == "" {
		log.Fatal("INTERNAL_API_KEY environment variable is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default local URL:", baseURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	amount := strconv.Itoa(payload.Quantity)
	if payload.Unlimited {
		amount = "unlimited (two years)"
	}
	fmt.Printf("Grant details:\n")
	fmt.Printf("  Owner: %s\n", payload.OwnerID)
	fmt.Printf("  Requests: %s\n", amount)
	fmt.Printf("  Reference: %s\n", payload.Reference)

	fmt.Printf("\nGrant these requests? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Grant cancelled.")
		os.Exit(0)
	}

	entry, err := grant(ctx, baseURL, apiKey, payload)
	if err != nil {
		log.Fatalf("Failed to grant requests: %v", err)
	}

	fmt.Printf("Granted entry %s: %s\n", entry.ID, entry.Description)
	if entry.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", entry.ExpiresAt.Format(time.RFC1123))
	}
	fmt.Println("Re-running with the same reference will not grant twice.")
}

// grant posts the grant to the internal endpoint.
func grant(ctx context.Context, baseURL, apiKey string, payload grantPayload) (*grantedEntry, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/quota/internal/grants", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", apiKey)

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("quota service returned status %d: %s", resp.StatusCode, string(raw))
	}
	if !env.Status {
		return nil, fmt.Errorf("quota service error %d: %s", env.StatusCode, env.Message)
	}

	var entry grantedEntry
	if err := json.Unmarshal(env.Result, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &entry, nil
}
