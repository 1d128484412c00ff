package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/mocks"
	"github.com/xkilldash9x/formmapper/internal/observability"
)

const contactPage = `<!DOCTYPE html>
<html><head><title>Contact</title></head><body>
<form id="contact">
  <label for="email">Email</label><input id="email" name="email" type="email">
  <label for="name">Name</label><input id="name" name="name">
</form>
</body></html>`

const contactScript = `
auto: true
values:
  email: owner@shop.test
  name: Ada
`

func contactServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, contactPage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readMapping(t *testing.T, p string) schemas.MappingDocument {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	var doc schemas.MappingDocument
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

func entryValue(doc schemas.MappingDocument, name string) (string, bool) {
	for _, e := range doc.Entries {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

func TestMapCmd_StaticScripted(t *testing.T) {
	srv := contactServer(t)
	outDir := t.TempDir()
	script := filepath.Join(t.TempDir(), "oracle.yaml")
	require.NoError(t, os.WriteFile(script, []byte(contactScript), 0o600))

	_, err := executeRoot(t,
		"--config", writeConfig(t, quietConfig),
		"map", "--static",
		"--url", srv.URL+"/contact.html",
		"--oracle-script", script,
		"--out", outDir,
	)
	require.NoError(t, err)

	doc := readMapping(t, filepath.Join(outDir, "contact_mapping.json"))
	v, ok := entryValue(doc, "email")
	require.True(t, ok, "email was mapped")
	assert.Equal(t, "owner@shop.test", v)
	v, ok = entryValue(doc, "name")
	require.True(t, ok, "name was mapped")
	assert.Equal(t, "Ada", v)
}

func TestMapCmd_SeveralURLs(t *testing.T) {
	srv := contactServer(t)
	outDir := t.TempDir()
	script := filepath.Join(t.TempDir(), "oracle.yaml")
	require.NoError(t, os.WriteFile(script, []byte(contactScript), 0o600))

	_, err := executeRoot(t,
		"--config", writeConfig(t, quietConfig),
		"map", "--static",
		"--url", srv.URL+"/signup",
		"--url", srv.URL+"/billing/",
		"--form-name", "Shop Forms",
		"--oracle-script", script,
		"--out", outDir,
	)
	require.NoError(t, err)

	for _, name := range []string{"shop_forms_1", "shop_forms_2"} {
		doc := readMapping(t, filepath.Join(outDir, name+"_mapping.json"))
		assert.NotEmpty(t, doc.Entries, name)
	}
}

func quietTestConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	observability.ResetForTest()
	observability.Initialize(config.LoggerConfig{Level: "fatal"}, zapcore.AddSync(io.Discard))
	t.Cleanup(observability.ResetForTest)

	cfg := config.NewDefaultConfig()
	cfg.StabilityCfg.PollInterval = 5 * time.Millisecond
	cfg.StabilityCfg.Timeout = 200 * time.Millisecond
	cfg.StabilityCfg.ActionSettle = map[string]time.Duration{"default": 0}
	cfg.OracleCfg.Script = script
	return cfg
}

func TestRunMap_PersistsRuns(t *testing.T) {
	srv := contactServer(t)
	script := filepath.Join(t.TempDir(), "oracle.yaml")
	require.NoError(t, os.WriteFile(script, []byte(contactScript), 0o600))
	cfg := quietTestConfig(t, script)

	st := new(mocks.MockStore)
	st.On("SaveRun", mock.Anything, mock.MatchedBy(func(rec *schemas.RunRecord) bool {
		return rec.RunID != "" && rec.FormName == "contact" && rec.StartURL == srv.URL+"/contact" &&
			len(rec.Document.Entries) > 0 && !rec.CreatedAt.IsZero()
	})).Return(nil).Once()

	var out bytes.Buffer
	opts := mapOptions{urls: []string{srv.URL + "/contact"}, static: true, out: "-"}
	require.NoError(t, runMap(context.Background(), &out, cfg, opts, st))

	st.AssertExpectations(t)
	var doc schemas.MappingDocument
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	_, ok := entryValue(doc, "email")
	assert.True(t, ok)
}

func TestRunMap_StoreFailure(t *testing.T) {
	srv := contactServer(t)
	script := filepath.Join(t.TempDir(), "oracle.yaml")
	require.NoError(t, os.WriteFile(script, []byte(contactScript), 0o600))
	cfg := quietTestConfig(t, script)

	st := new(mocks.MockStore)
	st.On("SaveRun", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	opts := mapOptions{urls: []string{srv.URL + "/contact"}, static: true, out: t.TempDir()}
	err := runMap(context.Background(), io.Discard, cfg, opts, st)
	assert.ErrorContains(t, err, "connection refused")
}

func TestMapCmd_Errors(t *testing.T) {
	cfg := writeConfig(t, quietConfig)

	t.Run("url is required", func(t *testing.T) {
		_, err := executeRoot(t, "--config", cfg, "map", "--static")
		assert.ErrorContains(t, err, "url")
	})

	t.Run("stdout takes a single url", func(t *testing.T) {
		_, err := executeRoot(t, "--config", cfg, "map", "--static", "--out", "-",
			"--url", "https://a.test/x", "--url", "https://a.test/y")
		assert.ErrorContains(t, err, "single --url")
	})

	t.Run("missing oracle script", func(t *testing.T) {
		_, err := executeRoot(t, "--config", cfg, "map", "--static", "--url", "https://a.test/x",
			"--oracle-script", filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestFormNames(t *testing.T) {
	tests := []struct {
		name     string
		urls     []string
		explicit string
		want     []string
	}{
		{"path base without extension", []string{"https://shop.test/checkout/step1.html"}, "", []string{"step1"}},
		{"host for bare origin", []string{"https://forms.shop.test/"}, "", []string{"forms_shop_test"}},
		{"duplicates are numbered", []string{"https://a.test/apply", "https://b.test/apply"}, "", []string{"apply", "apply_2"}},
		{"explicit single", []string{"https://a.test/x"}, "Checkout", []string{"checkout"}},
		{"explicit several", []string{"https://a.test/x", "https://a.test/y"}, "checkout", []string{"checkout_1", "checkout_2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formNames(tt.urls, tt.explicit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := formNames([]string{"not a url"}, "")
	assert.Error(t, err)
}

func TestWriteDocument(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDocument(&buf, schemas.MappingDocument{}, false))
	assert.Equal(t, "[]\n", buf.String())

	cond := "fields[\"plan\"] == \"pro\""
	doc := schemas.MappingDocument{Entries: []schemas.MappingEntry{
		{Name: "vat", Locator: "//*[@id='vat']", ActionType: schemas.ActionEnterText, Value: "DE1", VisibilityCondition: &cond},
	}}
	p, err := saveDocument(filepath.Join(t.TempDir(), "nested"), "checkout", doc, true)
	require.NoError(t, err)
	assert.Equal(t, doc.Entries, readMapping(t, p).Entries)
}
