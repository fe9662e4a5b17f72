// Package path implements the content-addressed identity used to key the
// engine's store cache: an ordered sequence of hashable, equality-comparable
// tokens supporting prefix matching the same way a DAG cache key is derived
// from a task's stable fields.
package path

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TokenKind tags which variant a Token holds.
type TokenKind int

const (
	KindString TokenKind = iota
	KindInt
	KindBool
	KindUUID
	KindBlob
	KindNested
)

// Token is a tagged sum over the value kinds an operation identity may be
// built from. It is the statically-typed analogue of the dynamically typed
// "any Hashable" token the engine's identity model is built on.
type Token struct {
	kind   TokenKind
	str    string
	i      int64
	b      bool
	u      uuid.UUID
	blob   string // blobs are compared/hashed as their string encoding
	nested Path
}

func String(v string) Token { return Token{kind: KindString, str: v} }
func Int(v int64) Token     { return Token{kind: KindInt, i: v} }
func Bool(v bool) Token     { return Token{kind: KindBool, b: v} }
func UUID(v uuid.UUID) Token { return Token{kind: KindUUID, u: v} }
func Blob(v []byte) Token   { return Token{kind: KindBlob, blob: string(v)} }
func Nested(p Path) Token   { return Token{kind: KindNested, nested: p.clone()} }

// Equal reports structural equality between two tokens, comparing only the
// fields meaningful for their kind.
func (t Token) Equal(o Token) bool {
	if t.kind != o.kind {
		return false
	}
	switch t.kind {
	case KindString:
		return t.str == o.str
	case KindInt:
		return t.i == o.i
	case KindBool:
		return t.b == o.b
	case KindUUID:
		return t.u == o.u
	case KindBlob:
		return t.blob == o.blob
	case KindNested:
		return t.nested.Equal(o.nested)
	default:
		return false
	}
}

// hashKey returns a value suitable for use as a component of a composite
// cache key: the discriminator tag plus the inner value's canonical bytes.
func (t Token) hashKey() string {
	switch t.kind {
	case KindString:
		return "s:" + t.str
	case KindInt:
		return fmt.Sprintf("i:%d", t.i)
	case KindBool:
		return fmt.Sprintf("b:%t", t.b)
	case KindUUID:
		return "u:" + t.u.String()
	case KindBlob:
		return "x:" + t.blob
	case KindNested:
		return "n:(" + t.nested.String() + ")"
	default:
		return "?"
	}
}

func (t Token) String() string { return t.hashKey() }

// Path is an immutable, ordered sequence of tokens identifying one
// operation instance. The zero value is the empty path.
type Path struct {
	tokens []Token
}

// New builds a path from the given tokens, in order.
func New(tokens ...Token) Path {
	cp := make([]Token, len(tokens))
	copy(cp, tokens)
	return Path{tokens: cp}
}

// Of is a convenience constructor from raw strings, the common case for
// hierarchical identities such as Of("users", "42").
func Of(parts ...string) Path {
	toks := make([]Token, len(parts))
	for i, p := range parts {
		toks[i] = String(p)
	}
	return Path{tokens: toks}
}

func (p Path) clone() Path {
	cp := make([]Token, len(p.tokens))
	copy(cp, p.tokens)
	return Path{tokens: cp}
}

// Len returns the number of tokens in the path.
func (p Path) Len() int { return len(p.tokens) }

// At returns the token at index i. Out-of-range access is a programming
// error: it panics, matching the source behaviour of an indexing abort.
func (p Path) At(i int) Token {
	if i < 0 || i >= len(p.tokens) {
		panic("OperationPath index out of range")
	}
	return p.tokens[i]
}

// WithReplaced returns a copy of p with the token at index i replaced.
// Out-of-range access panics, matching At.
func (p Path) WithReplaced(i int, t Token) Path {
	if i < 0 || i >= len(p.tokens) {
		panic("OperationPath index out of range")
	}
	cp := p.clone()
	cp.tokens[i] = t
	return cp
}

// ReplaceSubrange returns a copy of p with tokens[start:end] replaced by
// newTokens. Bounds violations panic with the same message as At.
func (p Path) ReplaceSubrange(start, end int, newTokens ...Token) Path {
	if start < 0 || end > len(p.tokens) || start > end {
		panic("OperationPath index out of range")
	}
	out := make([]Token, 0, len(p.tokens)-(end-start)+len(newTokens))
	out = append(out, p.tokens[:start]...)
	out = append(out, newTokens...)
	out = append(out, p.tokens[end:]...)
	return Path{tokens: out}
}

// Append returns the concatenation of p and other.
func (p Path) Append(other Path) Path {
	out := make([]Token, 0, len(p.tokens)+len(other.tokens))
	out = append(out, p.tokens...)
	out = append(out, other.tokens...)
	return Path{tokens: out}
}

// AppendToken returns p with a single token appended.
func (p Path) AppendToken(t Token) Path {
	out := make([]Token, len(p.tokens)+1)
	copy(out, p.tokens)
	out[len(p.tokens)] = t
	return Path{tokens: out}
}

// RemovingLast returns p without its final token. Calling it on an empty
// path is a no-op returning the empty path.
func (p Path) RemovingLast() Path {
	if len(p.tokens) == 0 {
		return p
	}
	return Path{tokens: p.tokens[:len(p.tokens)-1]}
}

// IsPrefixOf reports whether p is a prefix of other. The empty path is a
// prefix of every path, including itself.
func (p Path) IsPrefixOf(other Path) bool {
	if len(p.tokens) > len(other.tokens) {
		return false
	}
	for i, t := range p.tokens {
		if !t.Equal(other.tokens[i]) {
			return false
		}
	}
	return true
}

// Equal reports structural equality: same length, element-wise equal
// tokens. Two empty paths are equal.
func (p Path) Equal(o Path) bool {
	if len(p.tokens) != len(o.tokens) {
		return false
	}
	for i, t := range p.tokens {
		if !t.Equal(o.tokens[i]) {
			return false
		}
	}
	return true
}

// String renders a stable, human-readable and hash-safe form of the path,
// suitable for use as a map key in the store cache.
func (p Path) String() string {
	parts := make([]string, len(p.tokens))
	for i, t := range p.tokens {
		parts[i] = t.hashKey()
	}
	return strings.Join(parts, "/")
}
