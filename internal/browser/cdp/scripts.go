package cdp

import (
	"fmt"

	json "github.com/json-iterator/go"
)

// Codes thrown by the page scripts, translated by scriptError.
const (
	codeNotFound        = "not_found"
	codeNotInteractable = "not_interactable"
	codeOptionNotFound  = "option_not_found"
	codeContextNotFound = "context_not_found"
	codeInvalidLocator  = "invalid_locator"
)

// prelude resolves a scope path and locators inside it. A scope entry names a
// frame or shadow host of the enclosing context by id, by name, or by an XPath
// relative to that context. Locators are XPaths relative to the context root;
// inside shadow trees they are evaluated against the shadow root.
const prelude = `
const SKIP = new Set(['SCRIPT','STYLE','NOSCRIPT','TEMPLATE','META','LINK','OPTION','OPTGROUP']);
function fail(code, msg) { const e = new Error(msg || code); e.fmCode = code; throw e; }
function isFrame(el) { return el.tagName === 'IFRAME' || el.tagName === 'FRAME'; }
function isHost(el) { return isFrame(el) || !!el.shadowRoot; }
function inner(host) {
  if (isFrame(host)) {
    let doc = null;
    try { doc = host.contentDocument; } catch (e) { doc = null; }
    return doc ? {kind: 'frame', root: doc, doc: doc} : null;
  }
  return host.shadowRoot ? {kind: 'shadow', root: host.shadowRoot, doc: host.ownerDocument} : null;
}
function xpath(ctx, loc) {
  let expr = loc;
  if (ctx.kind === 'shadow' && expr.startsWith('/')) expr = '.' + expr;
  try {
    return ctx.doc.evaluate(expr, ctx.root, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  } catch (e) {
    fail('invalid_locator', 'bad locator ' + loc + ': ' + e.message);
  }
}
function contextId(el) {
  return (el.id || '').trim() || (el.getAttribute('name') || '').trim();
}
function hostIn(ctx, id) {
  for (const el of ctx.root.querySelectorAll('*')) {
    if (isHost(el) && contextId(el) === id) return el;
  }
  if (id.startsWith('/') || id.startsWith('.')) {
    const el = xpath(ctx, id);
    if (el && el.nodeType === 1 && isHost(el)) return el;
  }
  return null;
}
function scopeCtx(scope) {
  let ctx = {kind: 'frame', root: document, doc: document, x: 0, y: 0};
  for (const id of scope || []) {
    const host = hostIn(ctx, id);
    if (!host) fail('context_not_found', 'no context ' + id);
    const next = inner(host);
    if (!next) fail('context_not_found', 'context ' + id + ' is not accessible');
    next.x = ctx.x; next.y = ctx.y;
    if (next.kind === 'frame') {
      const r = host.getBoundingClientRect();
      next.x += r.left + host.clientLeft;
      next.y += r.top + host.clientTop;
    }
    ctx = next;
  }
  return ctx;
}
function ownVisible(el) {
  if (el.hidden) return false;
  if (el.tagName === 'INPUT' && (el.type || '').toLowerCase() === 'hidden') return false;
  const view = el.ownerDocument.defaultView;
  const st = view ? view.getComputedStyle(el) : null;
  return !(st && (st.display === 'none' || st.visibility === 'hidden' || st.visibility === 'collapse'));
}
function visibleChain(el) {
  for (let n = el; n && n.nodeType === 1; n = n.parentElement || n.getRootNode().host || null) {
    if (!ownVisible(n)) return false;
  }
  return true;
}
function find(ctx, loc) {
  const el = xpath(ctx, loc);
  if (!el || el.nodeType !== 1) fail('not_found', 'no element at ' + loc);
  return el;
}
function actionable(ctx, loc) {
  const el = find(ctx, loc);
  if (el.disabled || el.getAttribute('aria-disabled') === 'true') fail('not_interactable', loc + ' is disabled');
  if (!visibleChain(el) || el.getClientRects().length === 0) fail('not_interactable', loc + ' is not visible');
  return el;
}
function isCheckable(el) {
  const t = (el.type || '').toLowerCase();
  return el.tagName === 'INPUT' && (t === 'checkbox' || t === 'radio');
}
function setNative(el, value) {
  const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value');
  if (desc && desc.set) desc.set.call(el, value); else el.value = value;
}
function fire(el, names) {
  const view = el.ownerDocument.defaultView || window;
  for (const name of names) el.dispatchEvent(new view.Event(name, {bubbles: true}));
}
`

const captureBody = `
function ownText(el) {
  let s = '';
  for (const c of el.childNodes) if (c.nodeType === 3) s += c.nodeValue;
  return s.trim();
}
function label(el) {
  if (el.labels && el.labels.length) return el.labels[0].textContent.trim();
  const by = el.getAttribute('aria-labelledby');
  const root = el.getRootNode();
  if (by && root.getElementById) {
    const l = root.getElementById(by);
    if (l) return l.textContent.trim();
  }
  return '';
}
function raw(el, depth) {
  const tag = el.tagName.toLowerCase();
  const n = {tag: tag, attributes: {}, text: ownText(el), visible: ownVisible(el), children: []};
  for (const a of el.attributes) n.attributes[a.name] = a.value;
  if (tag === 'input' || tag === 'textarea') {
    n.value = el.value; n.checked = !!el.checked; n.label = label(el);
  } else if (tag === 'select') {
    n.options = Array.from(el.options).map(o => ({value: o.value, label: (o.label || o.text || '').trim(), selected: o.selected, disabled: o.disabled}));
    n.value = el.value; n.label = label(el);
  } else if (el.getAttribute('role')) {
    n.label = label(el);
  }
  if (el.isContentEditable && el.getAttribute('contenteditable') !== null) n.value = el.textContent;
  for (const c of el.children) if (!SKIP.has(c.tagName.toUpperCase())) n.children.push(raw(c, depth));
  if (isHost(el)) {
    const inn = depth < args.maxNesting ? inner(el) : null;
    n.context = {kind: isFrame(el) ? 'frame' : 'shadow', accessible: !!inn, children: []};
    if (inn) {
      const roots = inn.kind === 'frame' ? (inn.root.documentElement ? [inn.root.documentElement] : []) : Array.from(inn.root.children);
      for (const c of roots) if (!SKIP.has(c.tagName.toUpperCase())) n.context.children.push(raw(c, depth + 1));
    }
  }
  return n;
}
const ctx = scopeCtx(args.scope);
const roots = ctx.kind === 'frame' ? (ctx.root.documentElement ? [ctx.root.documentElement] : []) : Array.from(ctx.root.children);
return {value: {url: location.href, title: document.title, root: roots.length ? raw(roots[0], 0) : null}};
`

// pointBody scrolls the element into view and returns its center in top-level
// viewport coordinates.
const pointBody = `
const ctx = scopeCtx(args.scope);
const el = actionable(ctx, args.locator);
el.scrollIntoView({block: 'center', inline: 'center'});
const r = el.getBoundingClientRect();
return {value: {x: ctx.x + r.left + r.width / 2, y: ctx.y + r.top + r.height / 2}};
`

const clickBody = `
const el = actionable(scopeCtx(args.scope), args.locator);
el.scrollIntoView({block: 'center', inline: 'center'});
el.click();
return {value: true};
`

const typeBody = `
const el = actionable(scopeCtx(args.scope), args.locator);
const t = (el.type || '').toLowerCase();
const textInput = el.tagName === 'INPUT' && !['checkbox','radio','submit','button','reset','image','hidden','file'].includes(t);
if (el.readOnly) fail('not_interactable', args.locator + ' is read-only');
el.focus();
if (el.tagName === 'TEXTAREA' || textInput) {
  setNative(el, args.value);
} else if (el.isContentEditable || el.getAttribute('role') === 'textbox') {
  el.textContent = args.value;
} else {
  fail('not_interactable', args.locator + ' does not accept text');
}
fire(el, ['input', 'change']);
el.blur();
return {value: true};
`

const chooseBody = `
const ctx = scopeCtx(args.scope);
const el = actionable(ctx, args.locator);
if (el.tagName === 'SELECT') {
  const opt = Array.from(el.options).find(o => !o.disabled && (o.value === args.value || (o.text || '').trim() === args.value));
  if (!opt) fail('option_not_found', args.locator + ' has no option ' + args.value);
  setNative(el, opt.value);
  fire(el, ['input', 'change']);
  return {value: true};
}
if (isCheckable(el)) {
  const members = el.name ? Array.from(ctx.root.querySelectorAll('input')).filter(m => m.name === el.name && m.type === el.type) : [el];
  const m = members.find(m => m.value === args.value);
  if (!m) fail('option_not_found', 'group of ' + args.locator + ' has no member ' + args.value);
  if (m.disabled || !visibleChain(m)) fail('not_interactable', 'member ' + args.value + ' is not interactable');
  if (!m.checked) m.click();
  return {value: true};
}
fail('not_interactable', args.locator + ' is not a choice control');
`

const toggleBody = `
const el = actionable(scopeCtx(args.scope), args.locator);
const v = (args.value || '').trim().toLowerCase();
let want;
if (v === 'true') want = true;
else if (v === 'false') want = false;
else if (v === '') want = isCheckable(el) ? !el.checked : el.getAttribute('aria-checked') !== 'true';
else fail('option_not_found', 'toggle value ' + args.value);
if (isCheckable(el)) {
  if (el.checked !== want) el.click();
  if (el.checked !== want) { el.checked = want; fire(el, ['input', 'change']); }
  return {value: true};
}
if (['checkbox', 'switch', 'radio'].includes(el.getAttribute('role'))) {
  if ((el.getAttribute('aria-checked') === 'true') !== want) el.click();
  return {value: true};
}
fail('not_interactable', args.locator + ' cannot be toggled');
`

const readBody = `
const el = find(scopeCtx(args.scope), args.locator);
if (isCheckable(el)) return {value: String(el.checked)};
if (el.tagName === 'SELECT' || el.tagName === 'TEXTAREA' || el.tagName === 'INPUT') return {value: el.value};
if (el.hasAttribute('aria-checked')) return {value: el.getAttribute('aria-checked')};
if (el.isContentEditable) return {value: el.textContent};
return {value: (el.textContent || '').trim()};
`

const hasContextBody = `
scopeCtx(args.scope);
return {value: true};
`

// scriptArgs is the argument object every page script receives.
type scriptArgs struct {
	Scope      []string `json:"scope"`
	Locator    string   `json:"locator,omitempty"`
	Value      string   `json:"value"`
	MaxNesting int      `json:"maxNesting,omitempty"`
}

// scriptResult is what every page script returns.
type scriptResult struct {
	Value   json.RawMessage `json:"value"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// buildScript wraps body so that thrown errors come back as a result code.
func buildScript(body string, args scriptArgs) (string, error) {
	if args.Scope == nil {
		args.Scope = []string{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode script arguments: %w", err)
	}
	return "(function(args) {\n'use strict';\n" + prelude +
		"\ntry {\n" + body + "\n} catch (e) {\n" +
		"  return {code: (e && e.fmCode) || 'driver_error', message: String((e && e.message) || e)};\n" +
		"}\n})(" + string(b) + ")", nil
}
