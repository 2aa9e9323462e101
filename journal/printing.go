package journal

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/term"

	"github.com/INLOpen/wasmsnap/core"
)

// Printing forwards to an inner journal and prints a one-line description
// of every entry that passes through it.
type Printing struct {
	inner Journal
	mu    sync.Mutex
	out   io.Writer
	color bool
}

var _ Journal = (*Printing)(nil)

// NewPrinting wraps inner. Output is coloured when out is a terminal.
func NewPrinting(inner Journal, out io.Writer) *Printing {
	color := false
	if f, ok := out.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &Printing{inner: inner, out: out, color: color}
}

func (p *Printing) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	res, err := p.inner.Write(ctx, e)
	if err == nil {
		p.print(">", res.RecordStart, e)
	}
	return res, err
}

func (p *Printing) Flush(ctx context.Context) error { return p.inner.Flush(ctx) }

func (p *Printing) Read(ctx context.Context) (*core.LogReadResult, error) {
	res, err := p.inner.Read(ctx)
	if err == nil {
		p.print("<", res.RecordStart, res.Entry)
	}
	return res, err
}

func (p *Printing) Restarted() (Readable, error) {
	r, err := p.inner.Restarted()
	if err != nil {
		return nil, err
	}
	return &Printing{inner: Recombine(NewUnsupported(), r), out: p.out, color: p.color}, nil
}

func (p *Printing) Split() (Writable, Readable) {
	w, r := p.inner.Split()
	return &Printing{inner: Recombine(w, NewUnsupported()), out: p.out, color: p.color},
		&Printing{inner: Recombine(NewUnsupported(), r), out: p.out, color: p.color}
}

func (p *Printing) Close() error { return Close(p.inner) }

var categoryColors = map[core.Category]string{
	core.CategoryCore:     "\x1b[35m",
	core.CategoryMemory:   "\x1b[34m",
	core.CategoryThread:   "\x1b[36m",
	core.CategoryFS:       "\x1b[32m",
	core.CategoryNetwork:  "\x1b[33m",
	core.CategorySnapshot: "\x1b[1;31m",
}

func (p *Printing) print(dir string, offset int64, e core.Entry) {
	line := Describe(e)
	if p.color {
		line = categoryColors[core.CategoryOf(e.RecordType())] + line + "\x1b[0m"
	}
	p.mu.Lock()
	fmt.Fprintf(p.out, "%s %10d %s\n", dir, offset, line)
	p.mu.Unlock()
}

// Describe renders e on one line as its type followed by key=value pairs.
// Byte fields are shown by length only.
func Describe(e core.Entry) string {
	var b strings.Builder
	b.WriteString(e.RecordType().String())
	v := reflect.ValueOf(e)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return b.String()
	}
	describeFields(&b, "", v)
	return b.String()
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
)

func describeFields(b *strings.Builder, prefix string, v reflect.Value) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		name := prefix + snakeCase(t.Field(i).Name)
		if f.Kind() == reflect.Struct && f.Type() != timeType && !f.Type().Implements(stringerType) {
			describeFields(b, name+".", f)
			continue
		}
		b.WriteByte(' ')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(describeValue(f))
	}
}

func describeValue(f reflect.Value) string {
	switch {
	case f.Kind() == reflect.Pointer:
		if f.IsNil() {
			return "none"
		}
		return describeValue(f.Elem())
	case f.Kind() == reflect.Slice && f.Type().Elem().Kind() == reflect.Uint8:
		return fmt.Sprintf("<%d bytes>", f.Len())
	case f.Kind() == reflect.Array && f.Type().Elem().Kind() == reflect.Uint8:
		if s, ok := f.Interface().(fmt.Stringer); ok {
			str := s.String()
			if len(str) > 16 {
				str = str[:16]
			}
			return str
		}
		return fmt.Sprintf("<%d bytes>", f.Len())
	case f.Type() == timeType:
		return f.Interface().(time.Time).Format(time.RFC3339Nano)
	case f.Type() == durationType:
		return f.Interface().(time.Duration).String()
	case f.Kind() == reflect.String:
		return fmt.Sprintf("%q", f.String())
	}
	if s, ok := f.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(f.Interface())
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && !unicode.IsUpper(runes[i-1])
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
