package static

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

const formURL = "https://shop.test/signup"

const formHTML = `<!DOCTYPE html>
<html><head><title>Sign up</title></head><body>
<form id="signup">
  <label for="email">Email address</label><input id="email" name="email" type="email">
  <select id="plan" name="plan"><option value="">Please select</option><option value="basic">Basic</option><option value="pro">Pro</option></select>
  <div id="vat-box" data-visible-when='"plan" in fields &amp;&amp; fields["plan"] == "pro"'><input id="vat" name="vat"></div>
  <input type="radio" name="ship" value="std" id="ship-std"><input type="radio" name="ship" value="express" id="ship-exp">
  <input type="checkbox" id="terms" name="terms">
  <button type="button" id="menu" aria-haspopup="true">More</button>
  <input id="promo" name="promo" data-reveal-on-hover="menu">
  <button type="button" id="show-notes" data-reveals="notes">Add notes</button>
  <textarea id="notes" name="notes" hidden></textarea>
  <input id="locked" name="locked" disabled>
  <iframe id="pay" srcdoc="<form><input id=card name=card><iframe id=inner srcdoc='<input id=cvc name=cvc>'></iframe></form>"></iframe>
  <addr-widget id="addr"><template shadowrootmode="open"><input name="street" id="street"></template></addr-widget>
  <iframe name="ads" src="https://ads.other.test/frame"></iframe>
  <a id="next" href="/thanks">Next</a>
</form></body></html>`

func newDriver(t *testing.T, opts ...Option) *Driver {
	t.Helper()
	pages := map[string]string{
		formURL:                   formHTML,
		"https://shop.test/thanks": `<html><body><h1>Thanks</h1></body></html>`,
	}
	d, err := New(zaptest.NewLogger(t), MapLoader(pages), opts...)
	require.NoError(t, err)
	require.NoError(t, d.ResetToCheckpoint(context.Background(), formURL))
	return d
}

func capture(t *testing.T, d *Driver) *schemas.Snapshot {
	t.Helper()
	ext, err := snapshot.NewExtractor(zaptest.NewLogger(t), config.NewDefaultConfig().Snapshot())
	require.NoError(t, err)
	snap, err := ext.Capture(context.Background(), d, nil)
	require.NoError(t, err)
	require.NoError(t, snap.Validate())
	return snap
}

func byID(snap *schemas.Snapshot, frame []string, id string) *schemas.Node {
	return snapshot.Find(snap, frame, snapshot.IDLocator(id))
}

func TestCapture_ContextsAndVisibility(t *testing.T) {
	d := newDriver(t)
	snap := capture(t, d)

	assert.Equal(t, formURL, snap.URL)
	assert.Equal(t, "Sign up", snap.Title)

	email := byID(snap, nil, "email")
	require.NotNil(t, email)
	assert.Equal(t, "Email address", email.Label)
	assert.True(t, email.Visible)

	plan := byID(snap, nil, "plan")
	require.NotNil(t, plan)
	assert.Equal(t, []string{"basic", "pro"}, snapshot.RealOptions(plan))

	vat := byID(snap, nil, "vat")
	require.NotNil(t, vat)
	assert.False(t, vat.Visible, "hidden until plan is pro")
	assert.False(t, byID(snap, nil, "promo").Visible)
	assert.False(t, byID(snap, nil, "notes").Visible)

	pay := snapshot.Host(snap, nil, "pay")
	require.NotNil(t, pay)
	assert.Equal(t, schemas.ContextFrame, pay.ContextKind)
	assert.NotNil(t, byID(snap, []string{"pay"}, "card"))
	assert.NotNil(t, byID(snap, []string{"pay", "inner"}, "cvc"))

	addr := snapshot.Host(snap, nil, "addr")
	require.NotNil(t, addr)
	assert.Equal(t, schemas.ContextShadow, addr.ContextKind)
	assert.NotNil(t, byID(snap, []string{"addr"}, "street"))

	ads := snapshot.Host(snap, nil, "ads")
	require.NotNil(t, ads, "cross-origin frames are kept as hosts")
	assert.Empty(t, ads.Children)
}

func TestChoose_RevealsConditionalField(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Choose(ctx, nil, "//*[@id='plan']", "pro"))
	v, err := d.ReadValue(ctx, nil, "//*[@id='plan']")
	require.NoError(t, err)
	assert.Equal(t, "pro", v)
	assert.True(t, byID(capture(t, d), nil, "vat").Visible)

	assert.ErrorIs(t, d.Choose(ctx, nil, "//*[@id='plan']", "gold"), schemas.ErrOptionNotFound)
	require.NoError(t, d.Choose(ctx, nil, "//*[@id='plan']", "Basic"), "labels select too")
	assert.False(t, byID(capture(t, d), nil, "vat").Visible)
}

func TestChoose_RadioGroup(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Choose(ctx, nil, "//*[@id='ship-std']", "express"))
	std, _ := d.ReadValue(ctx, nil, "//*[@id='ship-std']")
	exp, _ := d.ReadValue(ctx, nil, "//*[@id='ship-exp']")
	assert.Equal(t, "false", std)
	assert.Equal(t, "true", exp)

	require.NoError(t, d.Toggle(ctx, nil, "//*[@id='ship-std']", "true"))
	exp, _ = d.ReadValue(ctx, nil, "//*[@id='ship-exp']")
	assert.Equal(t, "false", exp, "radios are exclusive")
}

func TestTypeToggleAndRead(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Type(ctx, nil, "//*[@id='email']", "a@b.test"))
	v, err := d.ReadValue(ctx, nil, "//*[@id='email']")
	require.NoError(t, err)
	assert.Equal(t, "a@b.test", v)

	require.NoError(t, d.Toggle(ctx, nil, "//*[@id='terms']", ""))
	v, _ = d.ReadValue(ctx, nil, "//*[@id='terms']")
	assert.Equal(t, "true", v)
	require.NoError(t, d.Toggle(ctx, nil, "//*[@id='terms']", "false"))
	v, _ = d.ReadValue(ctx, nil, "//*[@id='terms']")
	assert.Equal(t, "false", v)

	assert.ErrorIs(t, d.Type(ctx, nil, "//*[@id='terms']", "x"), schemas.ErrNotInteractable)
	assert.ErrorIs(t, d.Type(ctx, nil, "//*[@id='locked']", "x"), schemas.ErrNotInteractable)
	assert.ErrorIs(t, d.Type(ctx, nil, "//*[@id='vat']", "x"), schemas.ErrNotInteractable, "invisible ancestors block interaction")
	assert.ErrorIs(t, d.Type(ctx, nil, "//*[@id='nope']", "x"), schemas.ErrElementNotFound)
	assert.ErrorIs(t, d.Type(ctx, nil, "//*[", "x"), schemas.ErrElementNotFound)
}

func TestHoverAndReveal(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	assert.ErrorIs(t, d.Type(ctx, nil, "//*[@id='promo']", "SAVE"), schemas.ErrNotInteractable)
	require.NoError(t, d.Hover(ctx, nil, "//*[@id='menu']"))
	require.NoError(t, d.Type(ctx, nil, "//*[@id='promo']", "SAVE"))

	require.NoError(t, d.Click(ctx, nil, "//*[@id='show-notes']"))
	require.NoError(t, d.Type(ctx, nil, "//*[@id='notes']", "leave at door"))
	v, _ := d.ReadValue(ctx, nil, "//*[@id='notes']")
	assert.Equal(t, "leave at door", v)
}

func TestContexts(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	assert.ErrorIs(t, d.Type(ctx, []string{"pay"}, "//*[@id='card']", "4111"), schemas.ErrContextNotOpened)

	require.NoError(t, d.EnterContext(ctx, "pay"))
	require.NoError(t, d.Type(ctx, []string{"pay"}, "//*[@id='card']", "4111"))
	require.NoError(t, d.EnterContext(ctx, "inner"))
	scope, _ := d.CurrentScope(ctx)
	assert.Equal(t, []string{"pay", "inner"}, scope)
	require.NoError(t, d.Type(ctx, scope, "//*[@id='cvc']", "123"))

	require.NoError(t, d.ExitContext(ctx))
	require.NoError(t, d.ExitContext(ctx))
	assert.ErrorIs(t, d.ExitContext(ctx), schemas.ErrContextNotOpened)

	assert.ErrorIs(t, d.EnterContext(ctx, "ads"), schemas.ErrContextNotFound)
	assert.ErrorIs(t, d.EnterContext(ctx, "missing"), schemas.ErrContextNotFound)

	require.NoError(t, d.EnterContext(ctx, "addr"))
	require.NoError(t, d.Type(ctx, []string{"addr"}, "/input[1]", "Main St 1"))
	v, _ := d.ReadValue(ctx, []string{"addr"}, "//*[@id='street']")
	assert.Equal(t, "Main St 1", v)

	raw, err := d.Capture(ctx, []string{"pay"})
	require.NoError(t, err)
	assert.Equal(t, "html", raw.Root.Tag)
}

func TestEnterContext_ByLocator(t *testing.T) {
	page := `<html><body><div><iframe srcdoc="<input id=x>"></iframe></div></body></html>`
	d, err := New(zaptest.NewLogger(t), MapLoader(map[string]string{"https://a.test/": page}))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.ResetToCheckpoint(ctx, "https://a.test/"))

	snap := capture(t, d)
	var host *schemas.Node
	snap.Walk(func(n *schemas.Node) bool {
		if n.ContextID != "" {
			host = n
			return false
		}
		return true
	})
	require.NotNil(t, host)
	require.True(t, snapshot.IsXPathContextID(host.ContextID))
	require.NoError(t, d.EnterContext(ctx, host.ContextID))
	require.NoError(t, d.Type(ctx, []string{host.ContextID}, "//*[@id='x']", "ok"))
}

func TestClickNavigatesAndReset(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Type(ctx, nil, "//*[@id='email']", "a@b.test"))
	require.NoError(t, d.Click(ctx, nil, "//*[@id='next']"))
	u, err := d.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/thanks", u)

	require.NoError(t, d.ResetToCheckpoint(ctx, formURL))
	v, err := d.ReadValue(ctx, nil, "//*[@id='email']")
	require.NoError(t, err)
	assert.Empty(t, v, "reset discards typed values")

	assert.ErrorIs(t, d.ResetToCheckpoint(ctx, "https://shop.test/missing"), schemas.ErrPageUnavailable)
}

func TestFaultHookAndMutation(t *testing.T) {
	boom := errors.New("boom")
	var d *Driver
	calls := 0
	d = newDriver(t, WithFault(func(op Op, scope []string, target string) error {
		if op != OpType {
			return nil
		}
		calls++
		if calls == 1 {
			return boom
		}
		// The second attempt finds the field renamed.
		return d.MutateInHook(scope, func(root *html.Node) {
			if n := htmlquery.FindOne(root, "//*[@id='email']"); n != nil {
				setAttr(n, "id", "email-v2")
			}
		})
	}))
	ctx := context.Background()

	assert.ErrorIs(t, d.Type(ctx, nil, "//*[@id='email']", "x"), boom)
	assert.ErrorIs(t, d.Type(ctx, nil, "//*[@id='email']", "x"), schemas.ErrElementNotFound)
	assert.NoError(t, d.Type(ctx, nil, "//*[@id='email-v2']", "x"))
}

func TestClose(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Close(ctx))
	_, err := d.Capture(ctx, nil)
	assert.ErrorIs(t, err, schemas.ErrPageUnavailable)
	_, err = d.CurrentURL(ctx)
	assert.ErrorIs(t, err, schemas.ErrPageUnavailable)
}

func TestHTTPLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body><input id="q"></body></html>`))
	}))
	defer srv.Close()

	load := HTTPLoader(srv.Client())
	src, err := load(context.Background(), srv.URL+"/form")
	require.NoError(t, err)
	assert.Contains(t, src, `id="q"`)

	_, err = load(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "form.html")
	require.NoError(t, os.WriteFile(path, []byte("<p>local</p>"), 0o600))
	src, err = load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "<p>local</p>", src)

	_, err = load(context.Background(), "ftp://x")
	assert.Error(t, err)
}
