// Package client sends requests upstream through an ordered chain of exec elements.
package client

import (
	"net/http"
)

// Names of the default elements, usable as anchors.
const (
	ElementRetry         = "retry"
	ElementProtocol      = "protocol"
	ElementConnect       = "connect"
	ElementMainTransport = "main-transport"
)

// Scope carries per-exchange state between the elements of a chain.
type Scope struct {
	// Attempt is 1 for the first try and incremented by the retry element.
	Attempt int
	// Route is set by the connect element.
	Route *Route
	// Recursive requests are sent by the proxy to itself or on behalf of a handler.
	Recursive bool
}

// Exec executes the remainder of the chain.
type Exec func(req *http.Request, scope *Scope) (*http.Response, error)

// Element is one named step of the exec chain. Shared resources are handed to
// an element when it is constructed.
type Element interface {
	Name() string
	Execute(req *http.Request, scope *Scope, next Exec) (*http.Response, error)
}

// Terminal marks elements that complete the exchange without calling next.
type Terminal interface {
	Element
	terminal()
}

// Chain is a validated, immutable element list. The first element is the outermost.
type Chain struct {
	elements []Element
}

// Names returns the element names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.elements))
	for i, e := range c.elements {
		names[i] = e.Name()
	}
	return names
}

// Element returns the element registered under name.
func (c *Chain) Element(name string) (Element, bool) {
	for _, e := range c.elements {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// Execute runs req through all elements.
func (c *Chain) Execute(req *http.Request, scope *Scope) (*http.Response, error) {
	if scope.Attempt == 0 {
		scope.Attempt = 1
	}
	return c.exec(0)(req, scope)
}

func (c *Chain) exec(i int) Exec {
	return func(req *http.Request, scope *Scope) (*http.Response, error) {
		e := c.elements[i]
		var next Exec
		if i+1 < len(c.elements) {
			next = c.exec(i + 1)
		}
		return e.Execute(req, scope, next)
	}
}

// ChainBuilder composes a chain. Operations referencing unknown elements are
// recorded and reported by Build.
type ChainBuilder struct {
	elements []Element
	errs     []*ChainBuildError
}

// NewChainBuilder creates a builder starting from elements in order.
func NewChainBuilder(elements ...Element) *ChainBuilder {
	return &ChainBuilder{elements: append([]Element(nil), elements...)}
}

func (b *ChainBuilder) indexOf(name string) int {
	for i, e := range b.elements {
		if e.Name() == name {
			return i
		}
	}
	return -1
}

func (b *ChainBuilder) fail(op, name, reason string) *ChainBuilder {
	b.errs = append(b.errs, &ChainBuildError{Op: op, Element: name, Reason: reason})
	return b
}

func (b *ChainBuilder) insert(pos int, e Element) {
	b.elements = append(b.elements, nil)
	copy(b.elements[pos+1:], b.elements[pos:])
	b.elements[pos] = e
}

// Add appends e as the innermost element.
func (b *ChainBuilder) Add(e Element) *ChainBuilder {
	b.elements = append(b.elements, e)
	return b
}

// AddFirst prepends e as the outermost element.
func (b *ChainBuilder) AddFirst(e Element) *ChainBuilder {
	b.insert(0, e)
	return b
}

// AddBefore inserts e directly outside of the element named anchor.
func (b *ChainBuilder) AddBefore(anchor string, e Element) *ChainBuilder {
	i := b.indexOf(anchor)
	if i < 0 {
		return b.fail("add before", anchor, "unknown anchor")
	}
	b.insert(i, e)
	return b
}

// AddAfter inserts e directly inside of the element named anchor.
func (b *ChainBuilder) AddAfter(anchor string, e Element) *ChainBuilder {
	i := b.indexOf(anchor)
	if i < 0 {
		return b.fail("add after", anchor, "unknown anchor")
	}
	b.insert(i+1, e)
	return b
}

// Replace swaps the element named name for e.
func (b *ChainBuilder) Replace(name string, e Element) *ChainBuilder {
	i := b.indexOf(name)
	if i < 0 {
		return b.fail("replace", name, "unknown element")
	}
	b.elements[i] = e
	return b
}

// Remove drops the element named name.
func (b *ChainBuilder) Remove(name string) *ChainBuilder {
	i := b.indexOf(name)
	if i < 0 {
		return b.fail("remove", name, "unknown element")
	}
	b.elements = append(b.elements[:i], b.elements[i+1:]...)
	return b
}

// Build validates the composition: unique names and exactly one terminal
// element in the innermost position.
func (b *ChainBuilder) Build() (*Chain, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.elements) == 0 {
		return nil, &ChainBuildError{Reason: "no elements"}
	}

	seen := make(map[string]bool, len(b.elements))
	terminals := 0
	for _, e := range b.elements {
		if e == nil {
			return nil, &ChainBuildError{Reason: "nil element"}
		}
		if seen[e.Name()] {
			return nil, &ChainBuildError{Op: "build", Element: e.Name(), Reason: "duplicate element name"}
		}
		seen[e.Name()] = true
		if _, ok := e.(Terminal); ok {
			terminals++
		}
	}
	if terminals != 1 {
		return nil, &ChainBuildError{Reason: "exactly one main transport must terminate the chain"}
	}
	last := b.elements[len(b.elements)-1]
	if _, ok := last.(Terminal); !ok {
		return nil, &ChainBuildError{Op: "build", Element: last.Name(), Reason: "innermost element must be the main transport"}
	}

	return &Chain{elements: append([]Element(nil), b.elements...)}, nil
}
