package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/di"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	"lessongen/internal/services"
	"lessongen/internal/services/providers"
	contextutils "lessongen/internal/utils"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"Authentication required","details":"invalid admin token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(services.GenerationStats{
			RateLimiter: services.RateLimiterStats{ActiveUsers: 2, QueueLength: 1, MaxQueueSize: 100, Running: 1, MaxConcurrent: 3},
			Providers: []models.ProviderStatus{{
				ProviderDescriptor: models.ProviderDescriptor{Name: "primary", Priority: 1, Weight: 1, MaxConcurrent: 2, Reliability: 1},
				Available:          true,
			}},
		})
	})
	mux.HandleFunc("/api/v1/admin/users/learner@example.com/clear", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(ClearUserResponse{UserID: "learner@example.com", Unlocked: true})
	})
	mux.HandleFunc("/api/v1/admin/clear-all", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(services.ClearAllResult{UsersUnlocked: 3, ItemsRejected: 5})
	})
	mux.HandleFunc("/api/v1/admin/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream gone"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCmd(t *testing.T, cmds []*cobra.Command, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "adm", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().Duration("timeout", 5*time.Second, "")
	root.AddCommand(cmds...)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAdminClient_Stats(t *testing.T) {
	srv := newAdminServer(t)
	client := NewAdminClient(srv.URL+"/", "secret", time.Second)

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RateLimiter.ActiveUsers)
	require.Len(t, stats.Providers, 1)
	assert.Equal(t, "primary", stats.Providers[0].Name)
}

func TestAdminClient_RebuildsServerErrors(t *testing.T) {
	srv := newAdminServer(t)
	client := NewAdminClient(srv.URL, "wrong", time.Second)

	_, err := client.Stats(context.Background())
	require.Error(t, err)
	var appErr *contextutils.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, contextutils.ErrorCodeUnauthorized, appErr.Code)
	assert.Equal(t, "invalid admin token", appErr.Details)

	err = client.do(context.Background(), http.MethodGet, "/api/v1/admin/broken", &struct{}{})
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, contextutils.ErrorCodeInternalError, appErr.Code)
	assert.Contains(t, appErr.Message, "502")
	assert.Equal(t, "upstream gone", appErr.Details)
}

func TestAdminClient_Unreachable(t *testing.T) {
	client := NewAdminClient("http://127.0.0.1:1", "", 200*time.Millisecond)
	_, err := client.ClearAll(context.Background())
	assert.True(t, contextutils.IsError(err, contextutils.ErrServiceUnavailable))
}

func TestAdminClient_Configure(t *testing.T) {
	srv := newAdminServer(t)
	client := NewAdminClient("", "", 0)
	client.Configure(srv.URL, "secret", time.Second)

	_, err := client.Stats(context.Background())
	assert.NoError(t, err)
}

func TestAdminCommands(t *testing.T) {
	srv := newAdminServer(t)
	client := NewAdminClient(srv.URL, "secret", time.Second)

	t.Run("stats table", func(t *testing.T) {
		jsonOutput := false
		out, err := runCmd(t, AdminCommands(client, &jsonOutput), "stats")
		require.NoError(t, err)
		assert.Contains(t, out, "2 active users")
		assert.Contains(t, out, "PROVIDER")
		assert.Contains(t, out, "primary")
	})

	t.Run("stats json", func(t *testing.T) {
		jsonOutput := true
		out, err := runCmd(t, AdminCommands(client, &jsonOutput), "stats")
		require.NoError(t, err)
		var stats services.GenerationStats
		require.NoError(t, json.Unmarshal([]byte(out), &stats))
		assert.Equal(t, 1, stats.RateLimiter.QueueLength)
	})

	t.Run("unlock user", func(t *testing.T) {
		jsonOutput := false
		out, err := runCmd(t, AdminCommands(client, &jsonOutput), "unlock-user", "learner@example.com")
		require.NoError(t, err)
		assert.Equal(t, "User learner@example.com unlocked\n", out)
	})

	t.Run("clear all requires confirmation", func(t *testing.T) {
		jsonOutput := false
		_, err := runCmd(t, AdminCommands(client, &jsonOutput), "clear-all")
		assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidInput))

		out, err := runCmd(t, AdminCommands(client, &jsonOutput), "clear-all", "--yes")
		require.NoError(t, err)
		assert.Equal(t, "Unlocked 3 users, rejected 5 queued requests\n", out)
	})
}

func localFactory(t *testing.T, fn func(ctx context.Context, prompt string, opts providers.GenerateOptions) (string, error)) ContainerFactory {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("topics:\n  - id: biology\n    name: Biology\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	t.Setenv(config.ConfigFileEnv, f.Name())

	cfg, err := config.NewConfig()
	require.NoError(t, err)
	logger := observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false})

	entries := []services.BalancedProvider{{
		Provider:   &providers.Func{ProviderName: "fake", Fn: fn},
		Descriptor: models.ProviderDescriptor{Name: "fake", Priority: 1, Weight: 1, MaxConcurrent: 2, Reliability: 1},
	}}
	return NewLocalContainerFactory(cfg, logger, di.WithProviders(entries))
}

func TestTestConnectionsCmd(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		factory := localFactory(t, func(context.Context, string, providers.GenerateOptions) (string, error) {
			return "OK", nil
		})
		jsonOutput := false
		out, err := runCmd(t, LocalCommands(factory, &jsonOutput), "test-connections")
		require.NoError(t, err)
		assert.Contains(t, out, "1/1 providers connected")
		assert.Contains(t, out, "fake")
	})

	t.Run("none reachable", func(t *testing.T) {
		factory := localFactory(t, func(context.Context, string, providers.GenerateOptions) (string, error) {
			return "", errors.New("connection refused")
		})
		jsonOutput := true
		out, err := runCmd(t, LocalCommands(factory, &jsonOutput), "test-connections")
		assert.True(t, contextutils.IsError(err, contextutils.ErrAllProvidersFailed))

		var report models.ConnectionReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, 0, report.Connected)
		require.Len(t, report.Results, 1)
		assert.Equal(t, "connection refused", report.Results[0].Error)
	})
}

func TestDistributionTestCmd_QuestionsFile(t *testing.T) {
	factory := localFactory(t, func(context.Context, string, providers.GenerateOptions) (string, error) {
		t.Fatal("provider should not be called when questions are supplied")
		return "", nil
	})

	var questions []models.Question
	for i := 0; i < 4; i++ {
		questions = append(questions, models.Question{
			Content:       "Question " + strings.Repeat("?", i+1),
			Options:       []string{"right", "wrong one", "wrong two", "wrong three"},
			CorrectAnswer: "right",
		})
	}
	raw, err := json.Marshal(questions)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "questions.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	jsonOutput := true
	out, err := runCmd(t, LocalCommands(factory, &jsonOutput), "distribution-test", "--questions-file", path)
	require.NoError(t, err)

	var report services.DistributionTestReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 4, report.Before.Distribution.A)
	assert.Len(t, report.Target, models.OptionsPerQuestion)
	assert.Empty(t, report.Provider)
}

func TestDistributionTestCmd_Errors(t *testing.T) {
	factory := localFactory(t, func(context.Context, string, providers.GenerateOptions) (string, error) {
		return "", nil
	})
	jsonOutput := false

	_, err := runCmd(t, LocalCommands(factory, &jsonOutput), "distribution-test")
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidInput))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"not":"an array"}`), 0o600))
	_, err = runCmd(t, LocalCommands(factory, &jsonOutput), "distribution-test", "--questions-file", bad)
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidInput))
}

func TestDatabaseCommands_WithoutURL(t *testing.T) {
	cfg := &config.Config{}
	logger := observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false})

	out, err := runCmd(t, []*cobra.Command{DatabaseCommands(cfg, logger)}, "db", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "not configured")

	_, err = runCmd(t, []*cobra.Command{DatabaseCommands(cfg, logger)}, "db", "migrate")
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidInput))
}

func TestMaskDatabaseURL(t *testing.T) {
	assert.Equal(t, "postgres://***:***@db:5432/lessons", maskDatabaseURL("postgres://user:pw@db:5432/lessons"))
	assert.Equal(t, "postgres://db/lessons", maskDatabaseURL("postgres://db/lessons"))
	assert.Equal(t, "postgresql://***:***@db/lessons?sslmode=disable", maskDatabaseURL("postgresql://u:p@ss@db/lessons?sslmode=disable"))
}
