package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// resetViper clears viper config between tests for isolation
func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("SETTLEPLANE")
	viper.AutomaticEnv()
}

func TestRepayCommand_Success(t *testing.T) {
	resetViper()

	// Setup mock server that returns a successful submission response
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request format
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/repayment" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer key, got: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Caller-ID") != "pawnshop-ops" {
			t.Errorf("expected caller header, got: %s", r.Header.Get("X-Caller-ID"))
		}

		// Verify request body
		var reqBody map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if reqBody["token_id"] != "0.0.5005" {
			t.Errorf("expected token_id=0.0.5005, got %v", reqBody["token_id"])
		}
		if reqBody["pawnshop_account_id"] != "0.0.9001" {
			t.Errorf("expected pawnshop_account_id=0.0.9001, got %v", reqBody["pawnshop_account_id"])
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-key")
	viper.Set("caller", "pawnshop-ops")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"repay", "--token-id", "0.0.5005", "--pawnshop", "0.0.9001"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "accepted") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "7c9e6679-7425-40de-944b-e07fc1f90ae7") {
		t.Errorf("expected job ID in output, got: %s", output)
	}
}

func TestRepayCommand_MissingToken(t *testing.T) {
	resetViper()

	viper.Set("url", "http://localhost:6161")
	viper.Set("caller", "pawnshop-ops")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"repay", "--token-id", "0.0.5005", "--pawnshop", "0.0.9001"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "API key not found") {
		t.Errorf("expected missing key hint, got: %s", stdout.String())
	}
}

func TestRepayCommand_Conflict(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "A settlement is already in flight for this token",
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-key")
	viper.Set("caller", "pawnshop-ops")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"repay", "--token-id", "0.0.5005", "--pawnshop", "0.0.9001"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "409") {
		t.Errorf("expected conflict status in output, got: %s", output)
	}
}

func TestRepayCommand_DocumentedFlagsExist(t *testing.T) {
	// The long help demonstrates --token-id; the bare --token flag is
	// the persistent API key and must not be shadowed locally.
	if repayCmd.Flags().Lookup("token-id") == nil {
		t.Error("expected repay to define --token-id")
	}
	if repayCmd.Flags().Lookup("token") != nil {
		t.Error("repay must not define a local --token flag")
	}
	if strings.Contains(repayCmd.Long, "--token 0.0") {
		t.Errorf("repay help demonstrates --token instead of --token-id:\n%s", repayCmd.Long)
	}
	if strings.Contains(rootCmd.Long, "--token 0.0") {
		t.Errorf("root help demonstrates --token instead of --token-id:\n%s", rootCmd.Long)
	}
}
