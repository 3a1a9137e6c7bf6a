package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagizoltan/kvrepo"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "kvrepo", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"get", "list", "query", "put", "delete", "reindex", "dump", "stats", "journal"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "", "--format", "xml", "list", "acme", "users")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseFilters(t *testing.T) {
	f, err := parseFilters([]string{"status=open", "total>=100", "total<500", "note=\"x=y\""})
	require.NoError(t, err)
	assert.Equal(t, kvrepo.Filter{
		"status": "open",
		"total":  kvrepo.Range{Gte: int64(100), Lt: int64(500)},
		"note":   "x=y",
	}, f)

	_, err = parseFilters([]string{"status"})
	assert.Error(t, err)
	_, err = parseFilters([]string{"a=1", "a>2"})
	assert.Error(t, err)
	_, err = parseFilters([]string{"a=1", "a=2"})
	assert.Error(t, err)

	f, err = parseFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, int64(42), parseValue("42"))
	assert.Equal(t, 1.5, parseValue("1.5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "quoted", parseValue(`"quoted"`))
	assert.Equal(t, "plain text", parseValue("plain text"))
	assert.Equal(t, "[1,2]", parseValue("[1,2]"))
}

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument([]byte(`{"id":"u1","name":"Ada"}`), "")
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.ID())

	doc, err = parseDocument([]byte(`{"id":"u1"}`), "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", doc.ID())

	doc, err = parseDocument([]byte(`{"name":"Ada"}`), "")
	require.NoError(t, err)
	assert.Len(t, doc.ID(), 36)

	_, err = parseDocument([]byte(`{"id":7}`), "")
	assert.Error(t, err)
	_, err = parseDocument([]byte(`null`), "")
	assert.Error(t, err)
	_, err = parseDocument([]byte(`[1]`), "")
	assert.Error(t, err)
}

const testConfig = `
engine:
  kind: bolt
  path: data.db
log:
  level: error
journal:
  dir: journal
collections:
  - name: users
    indexes:
      - name: email
        unique: true
    schema:
      path: users.cue
      definition: "#User"
  - name: orders
    indexes:
      - name: status
    relations:
      - name: customer
        field: customerId
        target: users
`

const testSchema = `
#User: {
	id:    string
	email: =~"@"
	name?: string
}
`

// setupConfig writes a config whose relative paths live in a temp dir.
func setupConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.ReplaceAll(testConfig, "path: data.db", "path: "+filepath.Join(dir, "data.db"))
	body = strings.ReplaceAll(body, "dir: journal", "dir: "+filepath.Join(dir, "journal"))
	path := filepath.Join(dir, "kvrepo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.cue"), []byte(testSchema), 0644))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type response struct {
	Status string         `json:"status"`
	Data   any            `json:"data"`
	Error  map[string]any `json:"error"`
}

func runJSON(t *testing.T, config, stdin string, args ...string) (response, error) {
	t.Helper()
	out, err := run(t, stdin, append([]string{"--config", config, "--format", "json"}, args...)...)
	var resp response
	if out != "" {
		require.NoError(t, kvrepo.UnmarshalJSON([]byte(out), &resp), out)
	}
	return resp, err
}

func TestEndToEnd(t *testing.T) {
	cfg := setupConfig(t)

	resp, err := runJSON(t, cfg, `{"id":"u1","email":"ada@example.com","name":"Ada"}`, "put", "acme", "users", "-")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	resp, err = runJSON(t, cfg, `{"id":"u2","email":"ada@example.com"}`, "put", "acme", "users", "-")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "CONFLICT", resp.Error["code"])

	resp, err = runJSON(t, cfg, `{"id":"u3","email":"nope"}`, "put", "acme", "users", "-")
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error["code"])
	assert.NotEmpty(t, resp.Error["details"])

	_, err = runJSON(t, cfg, `{"id":"o1","status":"open","customerId":"u1"}`, "put", "acme", "orders", "-")
	require.NoError(t, err)
	_, err = runJSON(t, cfg, `{"id":"o2","status":"closed","customerId":"u1"}`, "put", "acme", "orders", "-")
	require.NoError(t, err)

	resp, err = runJSON(t, cfg, "", "get", "acme", "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", resp.Data.(map[string]any)["name"])

	resp, err = runJSON(t, cfg, "", "get", "other", "users", "u1")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", resp.Error["code"])

	resp, err = runJSON(t, cfg, "", "query", "acme", "users", "--index", "email=ada@example.com")
	require.NoError(t, err)
	items := resp.Data.(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "u1", items[0].(map[string]any)["id"])

	resp, err = runJSON(t, cfg, "", "query", "acme", "orders", "--filter", "status=open", "--populate", "customer")
	require.NoError(t, err)
	items = resp.Data.(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	customer := items[0].(map[string]any)["customer"].(map[string]any)
	assert.Equal(t, "ada@example.com", customer["email"])

	resp, err = runJSON(t, cfg, "", "list", "acme", "orders", "--limit", "1")
	require.NoError(t, err)
	page := resp.Data.(map[string]any)
	require.Len(t, page["items"], 1)
	cursor := page["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	resp, err = runJSON(t, cfg, "", "list", "acme", "orders", "--limit", "1", "--cursor", cursor)
	require.NoError(t, err)
	assert.Equal(t, "o2", resp.Data.(map[string]any)["items"].([]any)[0].(map[string]any)["id"])

	_, err = runJSON(t, cfg, "", "delete", "acme", "orders", "o2")
	require.NoError(t, err)
	resp, err = runJSON(t, cfg, "", "delete", "acme", "orders", "o2")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", resp.Error["code"])

	resp, err = runJSON(t, cfg, "", "journal", "--tenant", "acme")
	require.NoError(t, err)
	changes := resp.Data.([]any)
	require.Len(t, changes, 4)
	assert.Equal(t, "delete", changes[3].(map[string]any)["op"])

	out, err := run(t, "", "--config", cfg, "stats", "acme", "orders")
	require.NoError(t, err)
	assert.Contains(t, out, "orders")

	out, err = run(t, "", "--config", cfg, "reindex", "acme", "users")
	require.NoError(t, err)
	assert.Contains(t, out, "1 records")

	_, err = run(t, "", "--config", cfg, "get", "acme", "nope", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
