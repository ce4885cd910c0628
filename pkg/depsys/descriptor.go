package depsys

import (
	"io"
	"strings"
)

// Descriptor accumulates the generated CMake file: the header followed by one fragment per package in
// the order the packages were started.
type Descriptor struct {
	header    string
	fragments []*Fragment
}

// Fragment holds the CMake lines emitted by a single package
type Fragment struct {
	pkg   string
	lines []string
}

// NewDescriptor creates an empty descriptor which starts with the given header
func NewDescriptor(header string) *Descriptor {
	return &Descriptor{header: header}
}

// Begin appends a new fragment for pkg and returns it
func (d *Descriptor) Begin(pkg string) *Fragment {
	frag := &Fragment{pkg: pkg}
	d.fragments = append(d.fragments, frag)
	return frag
}

func (d *Descriptor) Fragments() []*Fragment {
	return d.fragments
}

// String renders the full CMake file
func (d *Descriptor) String() string {
	buffer := strings.Builder{}
	buffer.WriteString(d.header)

	for _, frag := range d.fragments {
		buffer.WriteString(frag.String())
	}

	return buffer.String()
}

// WriteTo implements io.WriterTo
func (d *Descriptor) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, d.String())
	return int64(n), err
}

func (f *Fragment) Package() string {
	return f.pkg
}

// Append adds lines to the end of the fragment. A fragment never loses lines, even if the package fails
// later on.
func (f *Fragment) Append(lines ...string) {
	f.lines = append(f.lines, lines...)
}

func (f *Fragment) Lines() []string {
	return f.lines
}

// String renders the fragment including its "# <package>" marker
func (f *Fragment) String() string {
	buffer := strings.Builder{}
	buffer.WriteString("\n# ")
	buffer.WriteString(f.pkg)
	buffer.WriteString("\n")

	for _, line := range f.lines {
		buffer.WriteString(line)
		buffer.WriteString("\n")
	}

	return buffer.String()
}
