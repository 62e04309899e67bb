package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/healthscan/internal/identity"
	"github.com/franckalain/healthscan/internal/models"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"scan"},
		{"history", "list"},
		{"history", "search"},
		{"history", "remove"},
		{"history", "clear"},
		{"history", "sync"},
		{"preferences", "set"},
		{"preferences", "show"},
		{"token", "issue"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	tokenFlag := cmd.PersistentFlags().Lookup("token")
	require.NotNil(t, tokenFlag)
	assert.Equal(t, "", tokenFlag.DefValue)
}

func writeConfig(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "5449000131805") {
			_, _ = w.Write([]byte(`{"status":1,"product":{"product_name":"Coca-Cola","brands":"Coca-Cola","nutriscore_grade":"e","nova_group":4}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":0}`))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
database:
  path: %s
products:
  base_url: %s
auth:
  jwt_secret: test-secret
`, filepath.Join(dir, "healthscan.db"), srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScanThenListHistory(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "scan", "5449000131805", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Coca-Cola (5449000131805)")
	assert.Contains(t, out, "stored on this device only")

	out, err = run(t, "history", "list", "--config", cfg, "--format", "json")
	require.NoError(t, err)
	var listed struct {
		Items   []models.ScanRecord `json:"items"`
		Summary struct {
			Total int `json:"total"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed.Items, 1)
	assert.Equal(t, 1, listed.Summary.Total)
	id := listed.Items[0].ID

	out, err = run(t, "history", "search", "coca", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = run(t, "history", "remove", id, "--config", cfg)
	require.NoError(t, err)
	out, err = run(t, "history", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No scans yet")
}

func TestScanNotFoundFails(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "scan", "000000000000", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, out, "not_found")

	out, err = run(t, "history", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No scans yet")
}

func TestTokenScopesHistory(t *testing.T) {
	cfg := writeConfig(t)
	token, err := identity.NewSession("test-secret", "").IssueToken("user-a", "", time.Hour)
	require.NoError(t, err)

	_, err = run(t, "scan", "5449000131805", "--config", cfg, "--token", token)
	require.NoError(t, err)

	out, err := run(t, "history", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No scans yet")

	out, err = run(t, "history", "list", "--config", cfg, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "Coca-Cola")

	out, err = run(t, "history", "sync", "--config", cfg, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "1 scan(s) still pending")

	_, err = run(t, "history", "sync", "--config", cfg)
	assert.ErrorContains(t, err, "signed-in user")

	_, err = run(t, "history", "list", "--config", cfg, "--token", "forged")
	assert.Error(t, err)
}

func TestClearNeedsConfirmation(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "scan", "5449000131805", "--config", cfg)
	require.NoError(t, err)

	_, err = run(t, "history", "clear", "--config", cfg)
	assert.ErrorContains(t, err, "--yes")

	_, err = run(t, "history", "clear", "--config", cfg, "--yes")
	require.NoError(t, err)
	out, err := run(t, "history", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No scans yet")
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := run(t, "history", "list", "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestIssuedTokenSignsIn(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "token", "issue", "user-a", "--config", cfg, "--ttl", "1h")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	id, err := identity.NewSession("test-secret", "").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.UserID)

	_, err = run(t, "scan", "5449000131805", "--config", cfg, "--token", token)
	require.NoError(t, err)
	out, err = run(t, "history", "list", "--config", cfg, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "Coca-Cola")

	_, err = run(t, "token", "issue", "user-a", "--config", cfg, "--ttl", "0s")
	assert.ErrorContains(t, err, "--ttl")
}

func TestPreferencesNeedRemoteStore(t *testing.T) {
	cfg := writeConfig(t)
	token, err := identity.NewSession("test-secret", "").IssueToken("user-a", "", time.Hour)
	require.NoError(t, err)

	_, err = run(t, "preferences", "set", "--diet", "vegan", "--allergy", "peanuts", "--config", cfg, "--token", token)
	assert.ErrorContains(t, err, "remote store")

	_, err = run(t, "preferences", "show", "--config", cfg, "--token", token)
	assert.ErrorContains(t, err, "remote store")
}

func TestWritePreferences(t *testing.T) {
	var text bytes.Buffer
	require.NoError(t, writePreferences(&text, "text", &models.UserPreferences{Diet: []string{"vegan", "keto"}}))
	assert.Equal(t, "Diet: vegan, keto\nAllergies: none\n", text.String())

	var js bytes.Buffer
	require.NoError(t, writePreferences(&js, "json", nil))
	assert.JSONEq(t, `{}`, js.String())
}
