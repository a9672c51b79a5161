// Package symbols locates the target shared library on disk and
// resolves the traced symbol to a library-relative address.
package symbols

import (
	"debug/elf"
	"fmt"
	"os"
	"strings"
)

// LibraryNotFoundError reports that none of the candidate paths held
// the target library. It carries every path tried so the failure is
// actionable.
type LibraryNotFoundError struct {
	Tried []string
}

func (e *LibraryNotFoundError) Error() string {
	return fmt.Sprintf("library not found, tried: %s", strings.Join(e.Tried, ", "))
}

// SymbolNotFoundError reports that the library was found but does not
// export the requested symbol.
type SymbolNotFoundError struct {
	Library string
	Symbol  string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found in %s", e.Symbol, e.Library)
}

// FindLibrary returns the first candidate path that exists on disk.
// The list is ordered; earlier entries win.
func FindLibrary(candidates []string) (string, error) {
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &LibraryNotFoundError{Tried: candidates}
}

// Resolve looks up symbol in the library's exported dynamic symbol
// table and returns its library-relative address. The value is
// independent of where any process maps the library, so it stays valid
// under ASLR; the attachment layer combines it with each process's
// load address.
func Resolve(libPath, symbol string) (uint64, error) {
	f, err := elf.Open(libPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", libPath, err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("failed to read dynamic symbols of %s: %w", libPath, err)
	}

	for _, s := range syms {
		if s.Name != symbol {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			continue // import reference, not a definition
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		return s.Value, nil
	}
	return 0, &SymbolNotFoundError{Library: libPath, Symbol: symbol}
}
