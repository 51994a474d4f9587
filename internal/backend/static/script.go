package static

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

const scriptPrelude = `
function Event(type) { this.type = type; }
document.createEvent = function() {
	return { type: "", initEvent: function(t) { this.type = t; } };
};
`

// domBridge exposes a small DOM surface to goja. It runs with d.mu held.
type domBridge struct {
	d     *Driver
	vm    *goja.Runtime
	ctx   context.Context
	doc   *document
	cache map[*html.Node]*goja.Object
}

func (d *Driver) runScriptLocked(ctx context.Context, code string, args ...*element) (any, error) {
	doc, err := d.contextDocLocked()
	if err != nil {
		return nil, err
	}
	vm := goja.New()
	b := &domBridge{d: d, vm: vm, ctx: ctx, doc: doc, cache: make(map[*html.Node]*goja.Object)}
	b.install()

	stop := context.AfterFunc(ctx, func() { vm.Interrupt("context cancelled") })
	defer stop()

	if _, err := vm.RunString(scriptPrelude); err != nil {
		return nil, fmt.Errorf("script prelude: %w", err)
	}

	jsArgs := make([]any, len(args))
	for i, a := range args {
		if a != nil {
			jsArgs[i] = b.wrap(a)
		}
	}
	if err := vm.Set("__args", jsArgs); err != nil {
		return nil, err
	}
	v, err := vm.RunString("(function(){\n" + code + "\n}).apply(__args.length ? __args[0] : null, __args)")
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

func (b *domBridge) install() {
	vm := b.vm
	global := vm.GlobalObject()
	_ = global.Set("window", global)

	_ = vm.Set("alert", func(call goja.FunctionCall) goja.Value {
		b.openDialog(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = vm.Set("confirm", func(call goja.FunctionCall) goja.Value {
		b.openDialog(call.Argument(0).String())
		return vm.ToValue(true)
	})

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		b.d.logger.Info("console.log", "msg", strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	location := vm.NewObject()
	_ = location.Set("href", b.doc.url)
	_ = vm.Set("location", location)

	document := vm.NewObject()
	_ = document.Set("URL", b.doc.url)
	_ = document.DefineAccessorProperty("title", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(normalizeSpace(b.doc.gq.Find("title").First().Text()))
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = document.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		s := b.doc.gq.Find(`[id="` + cssEscape(call.Argument(0).String()) + `"]`)
		if s.Length() == 0 {
			return goja.Null()
		}
		return b.wrap(&element{node: s.Nodes[0], doc: b.doc})
	})
	_ = document.Set("getElementsByName", func(call goja.FunctionCall) goja.Value {
		return b.wrapAll(b.doc.gq.Find(`[name="` + cssEscape(call.Argument(0).String()) + `"]`))
	})
	b.installQueries(document, b.doc.gq.Selection)
	if body := b.doc.gq.Find("body"); body.Length() > 0 {
		_ = document.Set("body", b.wrap(&element{node: body.Nodes[0], doc: b.doc}))
	}
	_ = vm.Set("document", document)
}

func (b *domBridge) openDialog(msg string) {
	if b.d.alert == nil {
		b.d.alert = &msg
	}
}

func (b *domBridge) installQueries(obj *goja.Object, scope *goquery.Selection) {
	_ = obj.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		s := scope.Find(call.Argument(0).String())
		if s.Length() == 0 {
			return goja.Null()
		}
		return b.wrap(&element{node: s.Nodes[0], doc: b.doc})
	})
	_ = obj.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return b.wrapAll(scope.Find(call.Argument(0).String()))
	})
	_ = obj.Set("getElementsByTagName", func(call goja.FunctionCall) goja.Value {
		return b.wrapAll(scope.Find(call.Argument(0).String()))
	})
}

func (b *domBridge) wrapAll(s *goquery.Selection) goja.Value {
	out := make([]any, 0, s.Length())
	for _, n := range s.Nodes {
		out = append(out, b.wrap(&element{node: n, doc: b.doc}))
	}
	return b.vm.ToValue(out)
}

func (b *domBridge) accessor(obj *goja.Object, name string, get func() any, set func(goja.Value)) {
	vm := b.vm
	getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get()) })
	var setter goja.Value
	if set != nil {
		setter = vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

// wrap returns the JS proxy for e, one per node per script run.
func (b *domBridge) wrap(e *element) *goja.Object {
	if obj, ok := b.cache[e.node]; ok {
		return obj
	}
	vm := b.vm
	n := e.node
	obj := vm.NewObject()
	b.cache[n] = obj

	_ = obj.Set("tagName", strings.ToUpper(n.Data))
	_ = obj.Set("nodeName", strings.ToUpper(n.Data))
	b.accessor(obj, "id", func() any { return attribute(n, "id") }, nil)
	b.accessor(obj, "value",
		func() any { return attribute(n, "value") },
		func(v goja.Value) { setValue(n, v.String()) })
	b.accessor(obj, "checked",
		func() any { return hasAttr(n, "checked") },
		func(v goja.Value) { setBoolAttr(n, "checked", v.ToBoolean()) })
	b.accessor(obj, "selected",
		func() any { return optionSelected(n) },
		func(v goja.Value) { selectOption(n, v.ToBoolean()) })
	b.accessor(obj, "disabled",
		func() any { return hasAttr(n, "disabled") },
		func(v goja.Value) { setBoolAttr(n, "disabled", v.ToBoolean()) })
	b.accessor(obj, "textContent", func() any { return rawText(n) }, nil)
	b.accessor(obj, "innerText", func() any { return textOf(n) }, nil)
	b.accessor(obj, "className", func() any { return attribute(n, "class") }, nil)

	_ = obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := rawAttr(n, call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(hasAttr(n, call.Argument(0).String()))
	})
	_ = obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		setAttr(n, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = obj.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		removeAttr(n, call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("click", func(goja.FunctionCall) goja.Value {
		if err := b.d.clickLocked(b.ctx, e); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = obj.Set("dispatchEvent", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		if ev, ok := call.Argument(0).(*goja.Object); ok {
			typ = ev.Get("type").String()
		}
		b.fire(e, typ)
		return vm.ToValue(true)
	})
	_ = obj.Set("fireEvent", func(call goja.FunctionCall) goja.Value {
		b.fire(e, strings.TrimPrefix(call.Argument(0).String(), "on"))
		return vm.ToValue(true)
	})
	_ = obj.Set("focus", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = obj.Set("blur", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	b.installQueries(obj, goquery.NewDocumentFromNode(n).Selection)
	return obj
}

// fire runs the element's inline on<type> handler. A click event also
// performs the default click action.
func (b *domBridge) fire(e *element, typ string) {
	if typ == "click" {
		if err := b.d.clickLocked(b.ctx, e); err != nil {
			panic(b.vm.NewGoError(err))
		}
		return
	}
	if js := attribute(e.node, "on"+typ); js != "" {
		if _, err := b.d.runScriptLocked(b.ctx, js, e); err != nil {
			panic(b.vm.NewGoError(err))
		}
	}
}
