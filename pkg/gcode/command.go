// Package gcode maps calibration G-code lines onto Calibrator operations.
package gcode

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"delta-calibration/pkg/errors"
)

// Command is one parsed G-code line. Args maps each upper-case letter to
// its raw value, which is empty for a bare letter.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse parses a G-code line. Blank lines and comment-only lines yield a
// nil command and no error.
func Parse(line string) (*Command, error) {
	ln := line
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil, nil
	}

	name := strings.ToUpper(fields[0])
	if len(name) < 2 || (name[0] != 'G' && name[0] != 'M') {
		return nil, errors.New(errors.ErrConfigValidation, fmt.Sprintf("not a G or M command: %q", fields[0]))
	}
	if _, err := strconv.Atoi(name[1:]); err != nil {
		return nil, errors.New(errors.ErrConfigValidation, fmt.Sprintf("bad command number: %q", fields[0]))
	}

	args := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k := strings.ToUpper(f[:1])
		if k[0] < 'A' || k[0] > 'Z' {
			return nil, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: bad argument %q", name, f))
		}
		args[k] = f[1:]
	}
	return &Command{Name: name, Args: args, Raw: line}, nil
}

// Has reports whether the letter was given.
func (c *Command) Has(letter string) bool {
	_, ok := c.Args[letter]
	return ok
}

// Float returns the value of letter. A bare letter reads as 0.
func (c *Command) Float(letter string) (float64, bool, error) {
	v, ok := c.Args[letter]
	if !ok {
		return 0, false, nil
	}
	if v == "" {
		return 0, true, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, true, errors.New(errors.ErrConfigValidation, fmt.Sprintf("%s: %s%s is not a number", c.Name, letter, v))
	}
	return f, true, nil
}

// Int is Float truncated to an integer.
func (c *Command) Int(letter string) (int, bool, error) {
	f, ok, err := c.Float(letter)
	return int(f), ok, err
}

// Flag reads a bare letter, or a value other than 0, as true.
func (c *Command) Flag(letter string) (bool, bool, error) {
	v, ok := c.Args[letter]
	if !ok {
		return false, false, nil
	}
	if v == "" {
		return true, true, nil
	}
	f, _, err := c.Float(letter)
	return f != 0, true, err
}

func (c *Command) String() string {
	letters := make([]string, 0, len(c.Args))
	for k := range c.Args {
		letters = append(letters, k)
	}
	sort.Strings(letters)
	var b strings.Builder
	b.WriteString(c.Name)
	for _, k := range letters {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString(c.Args[k])
	}
	return b.String()
}
