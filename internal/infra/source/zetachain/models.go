package zetachain

import (
	"encoding/json"
	"strconv"
	"time"
)

// Response shapes of the ZetaChain crosschain REST module. Only the fields the
// indexer reads are typed; the full cctx is kept as a raw payload.

type pagedResponse struct {
	CrossChainTx []crossChainTx `json:"CrossChainTx"`
	Pagination   pagination     `json:"pagination"`
}

type pagination struct {
	NextKey *string `json:"next_key"`
	Total   string  `json:"total"`
}

type cctxResponse struct {
	CrossChainTx json.RawMessage `json:"CrossChainTx"`
}

type inboundHashResponse struct {
	CrossChainTxs []crossChainTx `json:"CrossChainTxs"`
}

type crossChainTx struct {
	Index         string        `json:"index"`
	CctxStatus    cctxStatus    `json:"cctx_status"`
	InboundParams inboundParams `json:"inbound_params"`
}

type cctxStatus struct {
	Status              string `json:"status"`
	StatusMessage       string `json:"status_message"`
	ErrorMessage        string `json:"error_message"`
	LastUpdateTimestamp string `json:"lastUpdate_timestamp"`
	CreatedTimestamp    string `json:"created_timestamp"`
}

type inboundParams struct {
	Sender        string `json:"sender"`
	SenderChainID string `json:"sender_chain_id"`
	ObservedHash  string `json:"observed_hash"`
}

// Statuses after which a cctx never changes.
const (
	StatusOutboundMined = "OutboundMined"
	StatusReverted      = "Reverted"
	StatusAborted       = "Aborted"
)

func isTerminal(status string) bool {
	switch status {
	case StatusOutboundMined, StatusReverted, StatusAborted:
		return true
	}
	return false
}

// parseUnix reads a decimal unix-seconds string. Zero is returned for
// anything unparsable.
func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (p pagination) nextKey() string {
	if p.NextKey == nil {
		return ""
	}
	return *p.NextKey
}
