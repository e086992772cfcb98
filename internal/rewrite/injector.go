// Package rewrite injects the instrumentation script tag into HTML documents.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrNoHTML is returned when the parsed document has no top-level html element.
	ErrNoHTML = errors.New("document has no html element")
	// ErrNoHead is returned when the document has no head element.
	ErrNoHead = errors.New("document has no head element")
	// ErrRewritePanic wraps a panic recovered while rewriting.
	ErrRewritePanic = errors.New("rewrite panicked")
)

// Injector inserts a <script src="..."></script> element as the first child
// of a document's head. It holds no mutable state and is safe for concurrent use.
type Injector struct {
	src string
}

// NewInjector returns an Injector for the given script URL.
func NewInjector(scriptURL string) *Injector {
	return &Injector{src: scriptURL}
}

// ScriptURL returns the src attribute of the injected tag.
func (inj *Injector) ScriptURL() string {
	return inj.src
}

// Inject parses body as a full HTML document, inserts the script element and
// returns the re-serialized document. On any error the returned slice is nil
// and body should be served unchanged.
func (inj *Injector) Inject(body []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrRewritePanic, r)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	// The parser synthesizes a head for every document; only markup that
	// actually has one is rewritten.
	if !hasHeadTag(body) {
		return nil, ErrNoHead
	}

	if err := inj.insert(doc); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(inj.src) + 32)
	if err := html.Render(&buf, doc.Get(0)); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func (inj *Injector) insert(doc *goquery.Document) error {
	root := doc.Children().Filter("html")
	if root.Length() == 0 {
		return ErrNoHTML
	}
	head := root.First().ChildrenFiltered("head")
	if head.Length() == 0 {
		return ErrNoHead
	}

	// PrependNodes appends when head has no children.
	head.First().PrependNodes(inj.scriptNode())
	return nil
}

func (inj *Injector) scriptNode() *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: "src", Val: inj.src}},
	}
}

// hasHeadTag reports whether the markup contains a <head> start tag before
// the body starts.
func hasHeadTag(body []byte) bool {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Head:
				return true
			case atom.Body:
				return false
			}
		}
	}
}
