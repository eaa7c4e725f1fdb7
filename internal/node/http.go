package node

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

type statusView struct {
	NodeID    string   `json:"node_id"`
	Role      Role     `json:"role"`
	Halted    string   `json:"halted,omitempty"`
	InFlight  []uint64 `json:"in_flight,omitempty"`
	Uncertain []uint64 `json:"uncertain,omitempty"`
	Applied   int64    `json:"applied,omitempty"`
	Keys      int      `json:"keys,omitempty"`
}

type txnView struct {
	TxnID        uint64   `json:"txn_id"`
	Key          string   `json:"key,omitempty"`
	Value        *int64   `json:"value,omitempty"`
	InstanceID   string   `json:"instance_id,omitempty"`
	Phase        string   `json:"phase,omitempty"`
	State        string   `json:"state,omitempty"`
	Decision     string   `json:"decision,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Acked        []string `json:"acked,omitempty"`
}

type readView struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
	TxnID uint64 `json:"txn_id"`
}

func (n *Node) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if n.halted() != nil {
			http.Error(w, "transaction log is not writable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", n.handleStatus)
	mux.HandleFunc("/txn", n.handleTxn)
	if n.role == RoleParticipant {
		mux.HandleFunc("/read", n.handleRead)
	}
}

func (n *Node) halted() error {
	if n.coord != nil {
		return n.coord.Halted()
	}
	return n.part.Halted()
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	v := statusView{NodeID: n.cfg.Node.ID, Role: n.role}
	if err := n.halted(); err != nil {
		v.Halted = err.Error()
	}
	if n.coord != nil {
		v.InFlight = n.coord.InFlight()
		sort.Slice(v.InFlight, func(i, j int) bool { return v.InFlight[i] < v.InFlight[j] })
	} else {
		v.Uncertain = n.part.Uncertain()
		sort.Slice(v.Uncertain, func(i, j int) bool { return v.Uncertain[i] < v.Uncertain[j] })
		v.Applied = n.part.Applied()
		v.Keys = len(n.part.Keys())
	}
	n.writeJSON(w, v)
}

func (n *Node) handleTxn(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "id must be a transaction id", http.StatusBadRequest)
		return
	}
	v := txnView{TxnID: id}
	if n.coord != nil {
		st, ok := n.coord.Status(id)
		if !ok {
			http.Error(w, "unknown transaction", http.StatusNotFound)
			return
		}
		v.Phase = st.Phase.String()
		v.Decision = st.Decision.String()
		v.Reason = st.Reason.String()
		v.Participants = st.Participants
		v.Acked = st.Acked
		if st.Record.Key != "" {
			v.Key = st.Record.Key
			value := st.Record.Value
			v.Value = &value
			v.InstanceID = st.InstanceID.String()
		}
	} else {
		state, ok := n.part.State(id)
		if !ok {
			http.Error(w, "unknown transaction", http.StatusNotFound)
			return
		}
		v.State = state.String()
	}
	n.writeJSON(w, v)
}

func (n *Node) handleRead(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	c, ok := n.part.Read(key)
	if !ok {
		http.Error(w, "no committed value", http.StatusNotFound)
		return
	}
	n.writeJSON(w, readView{Key: key, Value: c.Value, TxnID: c.TxnID})
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		n.logger.Warn("failed to write response", zap.Error(err))
	}
}
