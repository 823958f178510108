// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// MatrixHandle names a matrix held by a Session.
type MatrixHandle struct {
	Name string
	Kind MatrixKind
}

func (h MatrixHandle) String() string {
	return h.Name + "/" + h.Kind.String()
}

var (
	PeaksHandle      = MatrixHandle{Name: "peaks", Kind: KindCounts}
	NormalizedHandle = MatrixHandle{Name: "peaks", Kind: KindNormalized}
	ActivityHandle   = MatrixHandle{Name: "genes", Kind: KindActivity}
)

// Session owns the matrices, cell metadata and derived entities of
// one analysis. Every operation names the matrix it acts on; there is
// no current/default matrix.
type Session struct {
	Metadata *CellMetadata

	mtx      sync.Mutex
	matrices map[MatrixHandle]*CountMatrix
	derived  map[derivedKey]*derivedEntry
}

type derivedKey struct {
	source [blake2b.Size256]byte
	params string
}

type derivedEntry struct {
	ready chan struct{}
	value interface{}
	err   error
}

func NewSession(md *CellMetadata) *Session {
	return &Session{
		Metadata: md,
		matrices: map[MatrixHandle]*CountMatrix{},
		derived:  map[derivedKey]*derivedEntry{},
	}
}

// SetMatrix stores m under h, replacing any previous matrix with the
// same handle. Derived entities computed from the old matrix become
// stale.
func (s *Session) SetMatrix(h MatrixHandle, m *CountMatrix) error {
	if m.Kind() != h.Kind {
		return fmt.Errorf("cannot store %s matrix under handle %s", m.Kind(), h)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.matrices[h] = m
	return nil
}

// Matrix returns the matrix stored under h.
func (s *Session) Matrix(h MatrixHandle) (*CountMatrix, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m, ok := s.matrices[h]
	if !ok {
		return nil, fmt.Errorf("no matrix %s in session", h)
	}
	return m, nil
}

// Handles returns the handles of all stored matrices, sorted by name
// and kind.
func (s *Session) Handles() []MatrixHandle {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var hs []MatrixHandle
	for h := range s.matrices {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].Name != hs[j].Name {
			return hs[i].Name < hs[j].Name
		}
		return hs[i].Kind < hs[j].Kind
	})
	return hs
}

// Stale reports whether an entity derived from a matrix with the
// given fingerprint is out of date with respect to the matrix
// currently stored under h.
func (s *Session) Stale(h MatrixHandle, source [blake2b.Size256]byte) bool {
	m, err := s.Matrix(h)
	if err != nil {
		return true
	}
	return m.Fingerprint() != source
}

// derive returns the cached result of compute for (source, params),
// calling compute at most once per key even when several goroutines
// ask concurrently. Failed computations are not cached.
func (s *Session) derive(ctx context.Context, source [blake2b.Size256]byte, params string, compute func() (interface{}, error)) (interface{}, error) {
	key := derivedKey{source, params}
	s.mtx.Lock()
	ent, ok := s.derived[key]
	if !ok {
		ent = &derivedEntry{ready: make(chan struct{})}
		s.derived[key] = ent
	}
	s.mtx.Unlock()
	if ok {
		select {
		case <-ent.ready:
			return ent.value, ent.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ent.value, ent.err = compute()
	if ent.err != nil {
		s.mtx.Lock()
		delete(s.derived, key)
		s.mtx.Unlock()
	}
	close(ent.ready)
	return ent.value, ent.err
}

// Embed returns the embedding of the matrix stored under h, computing
// it if no embedding with the same options exists for the matrix's
// current contents.
func (s *Session) Embed(ctx context.Context, h MatrixHandle, opts EmbedOptions) (*Embedding, *Report, error) {
	m, err := s.Matrix(h)
	if err != nil {
		return nil, nil, err
	}
	// Use raw depth from the counts matrix with the same name, if
	// there is one for the same cells.
	depth, depthSource := m.ColSums(), h.Kind
	if raw, err := s.Matrix(MatrixHandle{Name: h.Name, Kind: KindCounts}); err == nil && sameIDs(raw.CellIDs(), m.CellIDs()) {
		depth, depthSource = raw.ColSums(), KindCounts
	}
	var report *Report
	v, err := s.derive(ctx, m.Fingerprint(), fmt.Sprintf("embed %+v depth=%s", opts, depthSource), func() (interface{}, error) {
		emb, rpt, err := EmbedWithDepth(ctx, m, depth, opts)
		report = rpt
		return emb, err
	})
	if err != nil {
		return nil, report, err
	}
	if report == nil {
		log.Debugf("session: reusing embedding of %s", h)
	}
	return v.(*Embedding), report, nil
}

// Cluster clusters emb and stores the assignment in the session's
// metadata under ClusterColumn(opts.Resolution).
func (s *Session) Cluster(ctx context.Context, emb *Embedding, opts ClusterOptions) (*ClusterAssignment, *Graph, *Report, error) {
	ca, g, report, err := ClusterWithGraph(ctx, emb, opts)
	if err != nil {
		return nil, nil, report, err
	}
	if err = s.AddClusters(ca); err != nil {
		return nil, nil, report, err
	}
	return ca, g, report, nil
}

// AddClusters stores ca's labels in the session's metadata under
// ClusterColumn(ca.Resolution). The metadata is realigned to ca's
// cells.
func (s *Session) AddClusters(ca *ClusterAssignment) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.Metadata == nil {
		return nil
	}
	md, err := s.Metadata.Align(ca.Cells)
	if err != nil {
		return err
	}
	if err = md.SetLabels(ClusterColumn(ca.Resolution), ca.Labels); err != nil {
		return err
	}
	s.Metadata = md
	return nil
}

// covariate returns the named numeric metadata column keyed by cell
// id, or nil if name is empty.
func (s *Session) covariate(name string) (map[string]float64, error) {
	if name == "" {
		return nil, nil
	}
	s.mtx.Lock()
	md := s.Metadata
	s.mtx.Unlock()
	if md == nil {
		return nil, fmt.Errorf("no metadata for covariate %q", name)
	}
	return covariateMap(md, name)
}

func covariateMap(md *CellMetadata, name string) (map[string]float64, error) {
	col, ok := md.Numeric(name)
	if !ok {
		return nil, fmt.Errorf("no numeric metadata column %q", name)
	}
	cov := make(map[string]float64, len(col))
	for i, cell := range md.CellIDs() {
		cov[cell] = col[i]
	}
	return cov, nil
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
