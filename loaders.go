// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// readLines calls fn for each non-empty line of fnm (which may be
// gzipped), skipping lines that start with '#'.
func readLines(fnm string, fn func(lineNum int, line string) error) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || line[0] == '#' {
			continue
		}
		if err := fn(lineNum, line); err != nil {
			return fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return f.Close()
}

// findInput returns dir/name, or dir/name.gz if only the compressed
// file exists.
func findInput(dir, name string) (string, error) {
	fnm := dir + "/" + name
	if _, err := os.Stat(fnm); err == nil {
		return fnm, nil
	}
	if _, err := os.Stat(fnm + ".gz"); err == nil {
		return fnm + ".gz", nil
	}
	return "", fmt.Errorf("%s: neither %s nor %s.gz exists", dir, name, name)
}

// statInput reports whether path is a directory.
func statInput(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// loadPeaks reads peak ids from the first three columns of a BED
// file, formatted as chrom:start-end.
func loadPeaks(fnm string) ([]string, error) {
	var peaks []string
	err := readLines(fnm, func(_ int, line string) error {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return malformed("%d fields < 3", len(fields))
		}
		if _, err := strconv.Atoi(fields[1]); err != nil {
			return malformed("start: %s", err)
		}
		if _, err := strconv.Atoi(fields[2]); err != nil {
			return malformed("end: %s", err)
		}
		peaks = append(peaks, fields[0]+":"+fields[1]+"-"+fields[2])
		return nil
	})
	return peaks, err
}

// loadBarcodes reads one cell barcode per line.
func loadBarcodes(fnm string) ([]string, error) {
	var cells []string
	err := readLines(fnm, func(_ int, line string) error {
		cells = append(cells, strings.Fields(line)[0])
		return nil
	})
	return cells, err
}

// loadMatrixMarket reads a coordinate-format Matrix Market file with
// features as rows and cells as columns.
func loadMatrixMarket(fnm string, kind MatrixKind, features, cells []string) (*CountMatrix, error) {
	var entries []Entry
	sizeSeen := false
	var nnz int
	err := readLines(fnm, func(_ int, line string) error {
		if line[0] == '%' {
			if strings.HasPrefix(line, "%%MatrixMarket") {
				header := strings.Fields(strings.ToLower(line))
				if len(header) < 5 || header[1] != "matrix" || header[2] != "coordinate" {
					return malformed("unsupported matrix market format %q", line)
				}
				if header[4] != "general" {
					return malformed("unsupported matrix market symmetry %q", header[4])
				}
			}
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return malformed("%d fields != 3", len(fields))
		}
		var ints [2]int
		for i := range ints {
			v, err := strconv.Atoi(fields[i])
			if err != nil {
				return malformed("%s", err)
			}
			ints[i] = v
		}
		if !sizeSeen {
			sizeSeen = true
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return malformed("%s", err)
			}
			if ints[0] != len(features) || ints[1] != len(cells) {
				return malformed("matrix is %d×%d, have %d features and %d cells", ints[0], ints[1], len(features), len(cells))
			}
			nnz = n
			entries = make([]Entry, 0, nnz)
			return nil
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return malformed("%s", err)
		}
		entries = append(entries, Entry{Feature: ints[0] - 1, Cell: ints[1] - 1, Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sizeSeen {
		return nil, malformed("%s: no size line", fnm)
	}
	if len(entries) != nnz {
		return nil, malformed("%s: header says %d entries, found %d", fnm, nnz, len(entries))
	}
	log.WithFields(log.Fields{
		"features": len(features),
		"cells":    len(cells),
		"nnz":      nnz,
	}).Infof("read %s", fnm)
	return NewCountMatrix(kind, features, cells, entries)
}

// loadTenx reads a 10x-style peak matrix directory (matrix.mtx,
// peaks.bed, barcodes.tsv, each optionally gzipped).
func loadTenx(dir string) (*CountMatrix, error) {
	var fnm [3]string
	for i, name := range []string{"matrix.mtx", "peaks.bed", "barcodes.tsv"} {
		var err error
		fnm[i], err = findInput(dir, name)
		if err != nil {
			return nil, err
		}
	}
	peaks, err := loadPeaks(fnm[1])
	if err != nil {
		return nil, err
	}
	cells, err := loadBarcodes(fnm[2])
	if err != nil {
		return nil, err
	}
	return loadMatrixMarket(fnm[0], KindCounts, peaks, cells)
}

// loadSingleCell reads per-cell metadata from a CSV file with a
// header row whose first column is the cell barcode. Numeric columns
// are added to a CellMetadata for the given cells; rows for other
// barcodes are ignored, and cells without a row get NaN. Columns with
// any unparseable value are skipped.
func loadSingleCell(fnm string, cells []string) (*CellMetadata, error) {
	md, err := NewCellMetadata(cells)
	if err != nil {
		return nil, err
	}
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(bufio.NewReader(f))
	rdr.ReuseRecord = true
	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", fnm, err)
	}
	header = append([]string(nil), header...)
	columns := make([][]float64, len(header))
	numeric := make([]bool, len(header))
	for i := 1; i < len(header); i++ {
		columns[i] = make([]float64, len(cells))
		for c := range columns[i] {
			columns[i][c] = math.NaN()
		}
		numeric[i] = true
	}
	found := 0
	for {
		rec, err := rdr.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		c := md.CellIndex(rec[0])
		if c < 0 {
			continue
		}
		found++
		for i := 1; i < len(rec) && i < len(header); i++ {
			if !numeric[i] {
				continue
			}
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				numeric[i] = false
				continue
			}
			columns[i][c] = v
		}
	}
	for i := 1; i < len(header); i++ {
		if !numeric[i] {
			log.Debugf("%s: skipping non-numeric column %q", fnm, header[i])
			continue
		}
		if err := md.SetNumeric(header[i], columns[i]); err != nil {
			return nil, err
		}
	}
	if found < len(cells) {
		log.Warnf("%s: no metadata for %d of %d cells", fnm, len(cells)-found, len(cells))
	}
	return md, f.Close()
}

// loadAnnotation reads gene intervals from a BED file with at least
// four columns (chrom, start, end, gene) and optional score and
// strand columns.
func loadAnnotation(fnm string) (FeatureAnnotation, error) {
	var ann FeatureAnnotation
	err := readLines(fnm, func(_ int, line string) error {
		if strings.HasPrefix(line, "track ") || strings.HasPrefix(line, "browser ") {
			return nil
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			return malformed("%d fields < 4", len(fields))
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return malformed("start: %s", err)
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return malformed("end: %s", err)
		}
		if end < start {
			return malformed("end %d < start %d", end, start)
		}
		gi := GeneInterval{Chrom: fields[0], Start: start, End: end, Strand: '+', Gene: fields[3]}
		if len(fields) >= 6 && fields[5] == "-" {
			gi.Strand = '-'
		}
		ann = append(ann, gi)
		return nil
	})
	return ann, err
}

// MotifTable lists the peak ids containing each motif, in motif
// file order.
type MotifTable struct {
	Motifs []string
	Peaks  map[string][]string
}

// Presence resolves the table against the features of a peak matrix.
func (t *MotifTable) Presence(features []string) (*MotifPresence, error) {
	return NewMotifPresence(features, t.Motifs, t.Peaks)
}

// loadMotifs reads a two-column (motif, peak id) table.
func loadMotifs(fnm string) (*MotifTable, error) {
	t := &MotifTable{Peaks: map[string][]string{}}
	err := readLines(fnm, func(_ int, line string) error {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return malformed("%d fields < 2", len(fields))
		}
		if _, ok := t.Peaks[fields[0]]; !ok {
			t.Motifs = append(t.Motifs, fields[0])
		}
		t.Peaks[fields[0]] = append(t.Peaks[fields[0]], fields[1])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GCTable maps peak ids to GC fraction.
type GCTable map[string]float64

// Values returns one GC value per feature.
func (t GCTable) Values(features []string) ([]float64, error) {
	gc := make([]float64, len(features))
	for i, id := range features {
		v, ok := t[id]
		if !ok {
			return nil, malformed("no GC value for peak %q", id)
		}
		gc[i] = v
	}
	return gc, nil
}

// loadGC reads a two-column (peak id, GC fraction) table.
func loadGC(fnm string) (GCTable, error) {
	t := GCTable{}
	err := readLines(fnm, func(_ int, line string) error {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return malformed("%d fields < 2", len(fields))
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return malformed("%s", err)
		}
		if v < 0 || v > 1 {
			return malformed("GC fraction %g out of range", v)
		}
		t[fields[0]] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
