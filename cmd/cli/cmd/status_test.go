package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestStatusCommand_CompletedJob(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/repayment/status/") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":               "7c9e6679-7425-40de-944b-e07fc1f90ae7",
			"kind":             "repayment",
			"token_id":         "0.0.5005",
			"state":            "completed",
			"stage":            "finalizing",
			"progress_percent": 100,
			"attempts":         1,
			"created_at":       time.Now().UTC().Format(time.RFC3339),
			"result": map[string]interface{}{
				"transferred_units": 12,
				"burned_units":      12,
			},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-key")
	viper.Set("caller", "pawnshop-ops")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "7c9e6679-7425-40de-944b-e07fc1f90ae7"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "completed") {
		t.Errorf("expected state in output, got: %s", output)
	}
	if !strings.Contains(output, "100%") {
		t.Errorf("expected progress in output, got: %s", output)
	}
	if !strings.Contains(output, "12 units") {
		t.Errorf("expected result summary in output, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Job not found"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-key")
	viper.Set("caller", "pawnshop-ops")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "unknown-id"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "404") {
		t.Errorf("expected 404 in output, got: %s", stdout.String())
	}
}
