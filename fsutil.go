// Copyright (C) The Fluidmarker Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fluidmarker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// open opens a plain or gzip-compressed file for reading, based on the
// filename suffix.
func open(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fnm, ".gz") {
		return f, nil
	}
	zr, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, f}, nil
}

// commitFile writes the output of write() to fnm via a temp file and
// rename, so a failed stage never leaves a partially written artifact
// behind.
func commitFile(fnm string, write func(io.Writer) error) error {
	dir := filepath.Dir(fnm)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fnm)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	err = write(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return os.Rename(tmp.Name(), fnm)
}

func commitJSON(fnm string, v interface{}) error {
	return commitFile(fnm, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}
