package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/ingest"
	"github.com/eth2030/timber/tree"
)

// maxLeafRange bounds the number of leaves one GET /leaves returns.
const maxLeafRange = 10_000

// selector reads the tree a request addresses.
func selector(r *http.Request) ingest.Key {
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}
	return ingest.Key{
		ContractName: pick("contractname", "contractName"),
		ContractID:   pick("contractid", "contractId"),
		TreeID:       pick("treeid", "treeId"),
	}
}

func (s *Server) tree(r *http.Request, create bool) (*tree.Tree, error) {
	key := selector(r)
	if key.ContractName == "" {
		return nil, badRequest("no contract name")
	}
	return s.backend.Tree(key, create)
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, r.PathValue(name))
	}
	return v, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %w", errBadRequest, err)
	}
	return nil
}

type startResponse struct {
	Message string     `json:"message"`
	Key     ingest.Key `json:"key"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	key := selector(r)
	if r.ContentLength != 0 {
		var body ingest.Key
		if err := s.decode(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, err)
			return
		}
		if key.ContractName == "" {
			key.ContractName = body.ContractName
		}
		if key.ContractID == "" {
			key.ContractID = body.ContractID
		}
		if key.TreeID == "" {
			key.TreeID = body.TreeID
		}
	}
	if key.ContractName == "" {
		s.writeError(w, r, badRequest("no contract name"))
		return
	}
	status, err := s.backend.StartIngestion(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, startResponse{Message: "ingestion " + status.String(), Key: key.WithDefaults(key.ContractID)})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := t.Update(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, meta)
}

func (s *Server) handleSiblingPath(w http.ResponseWriter, r *http.Request) {
	idx, err := uintParam(r, "leafIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path, err := t.SiblingPath(r.Context(), idx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, path)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	idx, err := uintParam(r, "leafIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path, err := t.DirectPath(r.Context(), idx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, path)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := t.Metadata()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, meta)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := t.Metadata()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, struct {
		Root common.Hash `json:"root"`
	}{meta.Root})
}

type insertResponse struct {
	Stored    int    `json:"stored"`
	LeafCount uint64 `json:"leafCount"`
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request, leaves []tree.Leaf) {
	t, err := s.tree(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sort.SliceStable(leaves, func(i, j int) bool { return leaves[i].Index < leaves[j].Index })
	n, err := t.AppendLeaves(leaves)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := t.LeafCount()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, insertResponse{Stored: n, LeafCount: count})
}

func (s *Server) handleInsertLeaf(w http.ResponseWriter, r *http.Request) {
	var leaf tree.Leaf
	if err := s.decode(w, r, &leaf); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.insert(w, r, []tree.Leaf{leaf})
}

func (s *Server) handleInsertLeaves(w http.ResponseWriter, r *http.Request) {
	var leaves []tree.Leaf
	if err := s.decode(w, r, &leaves); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(leaves) == 0 {
		s.writeError(w, r, badRequest("no leaves"))
		return
	}
	s.insert(w, r, leaves)
}

func (s *Server) handleLeaf(w http.ResponseWriter, r *http.Request) {
	idx, err := uintParam(r, "leafIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	leaf, err := t.Leaf(idx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, leaf)
}

func (s *Server) handleLeaves(w http.ResponseWriter, r *http.Request) {
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := t.LeafCount()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, to := uint64(0), count
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.writeError(w, r, badRequest("invalid from %q", v))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.writeError(w, r, badRequest("invalid to %q", v))
			return
		}
	}
	if to < from {
		s.writeError(w, r, badRequest("range [%d, %d) is reversed", from, to))
		return
	}
	if to-from > maxLeafRange {
		s.writeError(w, r, badRequest("range [%d, %d) exceeds %d leaves", from, to, maxLeafRange))
		return
	}
	leaves, err := t.Leaves(from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if leaves == nil {
		leaves = []tree.Leaf{}
	}
	writeData(w, leaves)
}

func (s *Server) handleLeafCount(w http.ResponseWriter, r *http.Request) {
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := t.LeafCount()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, struct {
		LeafCount uint64 `json:"leafCount"`
	}{count})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	idx, err := uintParam(r, "nodeIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.tree(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	node, err := t.Node(idx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, node)
}

type statusResponse struct {
	Ingestions []ingest.KeyState `json:"ingestions"`
	Listeners  []ingest.Stats    `json:"listeners"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := statusResponse{
		Ingestions: s.backend.IngestionStates(),
		Listeners:  s.backend.Listeners(),
	}
	if st.Ingestions == nil {
		st.Ingestions = []ingest.KeyState{}
	}
	if st.Listeners == nil {
		st.Listeners = []ingest.Stats{}
	}
	writeData(w, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, ok := s.backend.Health()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response{Data: report})
}
