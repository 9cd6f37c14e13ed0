package surface

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"delta-calibration/pkg/errors"
)

const depthFileHeader = "; Depth Map Surface Transform"

// WriteTo writes the depth map in the text format read by ReadFrom: a
// header comment, then for each row a "; Line r of N" comment followed by
// one value per line.
func (m *Model) WriteTo(w io.Writer) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.haveDepth {
		return 0, errors.DepthMapError("no depth map to save")
	}

	bw := bufio.NewWriter(w)
	var n int64
	write := func(format string, args ...interface{}) error {
		k, err := fmt.Fprintf(bw, format, args...)
		n += int64(k)
		return err
	}
	if err := write("%s\n", depthFileHeader); err != nil {
		return n, err
	}
	for row := 0; row < m.size; row++ {
		if err := write("; Line %d of %d\n", row+1, m.size); err != nil {
			return n, err
		}
		for col := 0; col < m.size; col++ {
			if err := write("%1.5f\n", m.depth[row*m.size+col]); err != nil {
				return n, err
			}
		}
	}
	return n, bw.Flush()
}

// ReadFrom loads a depth map. Comment and blank lines are skipped. A value
// outside (-5, 5) is a sanity failure that disables depth correction; a
// wrong number of values discards the map. On success the map is available but
// not enabled.
func (m *Model) ReadFrom(r io.Reader) (int64, error) {
	want := m.size * m.size
	values := make([]float64, 0, want)

	var n int64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		n += int64(len(text)) + 1
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, ";") {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			m.DisableDepth()
			return n, errors.SanityError("depth map", fmt.Sprintf("line %d: invalid depth %q", line, text))
		}
		if v <= -5 || v >= 5 {
			m.DisableDepth()
			return n, errors.SanityError("depth map", fmt.Sprintf("surface transform element %d is out of range (%1.3f)", len(values), v))
		}
		values = append(values, v)
	}
	if err := sc.Err(); err != nil {
		return n, errors.ResourceError("depth map", err)
	}

	if len(values) != want {
		m.mu.Lock()
		m.haveDepth = false
		m.depthEnabled = false
		m.mu.Unlock()
		return n, errors.DepthMapError(fmt.Sprintf("expected %d elements, but got %d", want, len(values)))
	}
	if err := m.SetDepths(values); err != nil {
		return n, err
	}
	return n, nil
}

// Save writes the depth map to the configured file, replacing it
// atomically.
func (m *Model) Save() error {
	path := m.opts.DepthFile
	if path == "" {
		return errors.DepthMapError("no depth map file configured")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".depthmap-*")
	if err != nil {
		return errors.ResourceError(path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := m.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.ResourceError(path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.ResourceError(path, err)
	}
	m.log.Info("Surface transform saved to %s", path)
	return nil
}

// Load reads the depth map from the configured file.
func (m *Model) Load() error {
	path := m.opts.DepthFile
	f, err := os.Open(path)
	if err != nil {
		return errors.ResourceError(path, err)
	}
	defer f.Close()
	if _, err := m.ReadFrom(f); err != nil {
		return err
	}
	return nil
}
