// Package zetachain adapts the ZetaChain crosschain REST API to source.Source.
package zetachain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/infra/rpc/provider"
	"github.com/vietddude/opindexer/internal/infra/rpc/routing"
	"github.com/vietddude/opindexer/internal/infra/source"
)

const (
	pathList    = "zeta-chain/crosschain/cctx"
	pathDetail  = "zeta-chain/crosschain/cctx/"
	pathInbound = "zeta-chain/crosschain/inboundHashToCctxData/"

	defaultPageSize   = 100
	defaultMaxGapSpan = 24 * time.Hour
)

type Config struct {
	Name     string
	URLs     []string
	Timeout  time.Duration
	Retry    routing.RetryConfig
	PageSize int
	// MaxGapSpan limits how much older than the truncated page a gap walk
	// may read when its bound index never shows up.
	MaxGapSpan time.Duration
}

// Adapter reads cross-chain transactions (cctx) from ZetaChain nodes.
//
// Pointers by stream kind:
//   - realtime: index of the newest cctx already seen
//   - historical and gap: pagination key of the next page
//
// A gap's bound is "index@unix": the walk stops at that index or at the
// first cctx created before the unix time, whichever comes first.
type Adapter struct {
	name     string
	router   *routing.Router
	retry    routing.RetryConfig
	pageSize int
	maxSpan  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// New builds an adapter with one HTTP provider per URL.
func New(cfg Config) (*Adapter, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("zetachain: at least one url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "zetachain"
	}

	router := routing.NewRouter()
	for i, u := range cfg.URLs {
		router.AddProvider(provider.NewHTTPProvider(fmt.Sprintf("%s-%d", cfg.Name, i), u, cfg.Timeout))
	}
	a := NewWithRouter(cfg.Name, router, cfg.Retry, cfg.PageSize)
	if cfg.MaxGapSpan > 0 {
		a.maxSpan = cfg.MaxGapSpan
	}
	return a, nil
}

func NewWithRouter(name string, router *routing.Router, retry routing.RetryConfig, pageSize int) *Adapter {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Adapter{
		name:     name,
		router:   router,
		retry:    retry,
		pageSize: pageSize,
		maxSpan:  defaultMaxGapSpan,
		now:      time.Now,
		log:      slog.Default().With("component", "source", "source", name),
	}
}

func (a *Adapter) Name() string { return a.name }

// Router exposes the provider router for health reporting.
func (a *Adapter) Router() *routing.Router { return a.router }

// Start returns the first pointer of a stream. Realtime starts at the newest
// cctx; historical starts at the first page.
func (a *Adapter) Start(ctx context.Context, kind domain.StreamKind) (string, error) {
	switch kind {
	case domain.StreamHistorical:
		return "", nil
	case domain.StreamRealtime:
		resp, err := a.list(ctx, "", 1, false)
		if err != nil {
			return "", err
		}
		if len(resp.CrossChainTx) == 0 {
			return "", nil
		}
		return resp.CrossChainTx[0].Index, nil
	default:
		return "", fmt.Errorf("stream %q has no start pointer", kind)
	}
}

func (a *Adapter) ListPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = a.pageSize
	}

	switch req.Kind {
	case domain.StreamRealtime:
		return a.listRealtime(ctx, req.Pointer, limit)
	case domain.StreamHistorical:
		resp, err := a.list(ctx, req.Pointer, limit, true)
		if err != nil {
			return nil, err
		}
		next := resp.Pagination.nextKey()
		return &source.Page{
			Items: a.discoveries(resp.CrossChainTx),
			Next:  next,
			Done:  next == "",
		}, nil
	case domain.StreamGap:
		return a.listGap(ctx, req.Pointer, req.Bound, limit)
	default:
		return nil, fmt.Errorf("unknown stream kind %q", req.Kind)
	}
}

// listRealtime reads the newest page down to the last seen index. When that
// index is not on the page, the rest is left to a gap watermark.
func (a *Adapter) listRealtime(ctx context.Context, known string, limit int) (*source.Page, error) {
	resp, err := a.list(ctx, "", limit, false)
	if err != nil {
		return nil, err
	}

	txs := resp.CrossChainTx
	found := false
	for i, tx := range txs {
		if tx.Index == known {
			txs = txs[:i]
			found = true
			break
		}
	}

	page := &source.Page{Items: a.discoveries(txs), Next: known}
	if len(txs) > 0 {
		page.Next = txs[0].Index
	}

	nextKey := resp.Pagination.nextKey()
	if !found && known != "" && nextKey != "" {
		page.Truncated = true
		page.Gap = source.Gap{From: nextKey, To: a.gapBound(known, txs)}
		a.log.Debug("realtime page did not reach last seen cctx",
			"known", known,
			"next_key", nextKey,
		)
	}
	return page, nil
}

// gapBound stamps the gap end with a cutoff maxSpan before the oldest cctx
// of the truncated page.
func (a *Adapter) gapBound(known string, txs []crossChainTx) string {
	oldest := a.now().UTC()
	for _, tx := range txs {
		if at := parseUnix(tx.CctxStatus.CreatedTimestamp); !at.IsZero() && at.Before(oldest) {
			oldest = at
		}
	}
	return known + "@" + strconv.FormatInt(oldest.Add(-a.maxSpan).Unix(), 10)
}

// parseBound splits a gap bound. A bound without a cutoff has a zero time.
func parseBound(bound string) (string, time.Time) {
	index, unix, ok := strings.Cut(bound, "@")
	if !ok {
		return bound, time.Time{}
	}
	return index, parseUnix(unix)
}

// listGap walks pages newest first from pointer until the bound index or
// the bound cutoff.
func (a *Adapter) listGap(ctx context.Context, pointer, bound string, limit int) (*source.Page, error) {
	resp, err := a.list(ctx, pointer, limit, false)
	if err != nil {
		return nil, err
	}

	index, cutoff := parseBound(bound)
	txs := resp.CrossChainTx
	for i, tx := range txs {
		if tx.Index == index {
			return &source.Page{Items: a.discoveries(txs[:i]), Done: true}, nil
		}
		at := parseUnix(tx.CctxStatus.CreatedTimestamp)
		if !cutoff.IsZero() && !at.IsZero() && at.Before(cutoff) {
			a.log.Warn("gap walk passed its cutoff without reaching bound",
				"bound", index,
				"cutoff", cutoff,
				"stopped_at", tx.Index,
			)
			return &source.Page{Items: a.discoveries(txs[:i]), Done: true}, nil
		}
	}

	next := resp.Pagination.nextKey()
	return &source.Page{
		Items: a.discoveries(txs),
		Next:  next,
		Done:  next == "",
	}, nil
}

func (a *Adapter) FetchDetail(ctx context.Context, externalID string) (*source.Detail, error) {
	var resp cctxResponse
	err := a.get(ctx, pathDetail+url.PathEscape(externalID), nil, &resp)
	if provider.IsNotFound(err) {
		return nil, fmt.Errorf("cctx %s: %w", externalID, domain.ErrTerminal)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cctx %s: %w", externalID, err)
	}

	var tx crossChainTx
	if err := json.Unmarshal(resp.CrossChainTx, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode cctx %s: %w", externalID, err)
	}
	if tx.CctxStatus.Status == "" {
		return nil, fmt.Errorf("cctx %s has no status: %w", externalID, domain.ErrTerminal)
	}

	children, err := a.children(ctx, externalID)
	if err != nil {
		return nil, err
	}

	observed := parseUnix(tx.CctxStatus.LastUpdateTimestamp)
	if observed.IsZero() {
		observed = a.now().UTC()
	}
	return &source.Detail{
		Status:     tx.CctxStatus.Status,
		Terminal:   isTerminal(tx.CctxStatus.Status),
		ObservedAt: observed,
		Children:   children,
		Payload:    resp.CrossChainTx,
	}, nil
}

// children returns the cctxs spawned by externalID. The inbound hash of a
// child is the index of its parent.
func (a *Adapter) children(ctx context.Context, externalID string) ([]domain.Discovery, error) {
	var resp inboundHashResponse
	err := a.get(ctx, pathInbound+url.PathEscape(externalID), nil, &resp)
	if provider.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch children of cctx %s: %w", externalID, err)
	}

	txs := make([]crossChainTx, 0, len(resp.CrossChainTxs))
	for _, tx := range resp.CrossChainTxs {
		if tx.Index != externalID {
			txs = append(txs, tx)
		}
	}
	return a.discoveries(txs), nil
}

func (a *Adapter) list(ctx context.Context, key string, limit int, unordered bool) (*pagedResponse, error) {
	query := url.Values{}
	query.Set("pagination.limit", strconv.Itoa(limit))
	query.Set("unordered", strconv.FormatBool(unordered))
	if key != "" {
		query.Set("pagination.key", key)
	}

	var resp pagedResponse
	if err := a.get(ctx, pathList, query, &resp); err != nil {
		return nil, fmt.Errorf("failed to list cctxs: %w", err)
	}
	return &resp, nil
}

func (a *Adapter) get(ctx context.Context, path string, query url.Values, out any) error {
	return routing.CallWithRetryAndFailover(ctx, a.router, func(ctx context.Context, p provider.Provider) error {
		return p.GetJSON(ctx, path, query, out)
	}, a.retry)
}

func (a *Adapter) discoveries(txs []crossChainTx) []domain.Discovery {
	out := make([]domain.Discovery, 0, len(txs))
	for _, tx := range txs {
		if tx.Index == "" {
			continue
		}
		at := parseUnix(tx.CctxStatus.CreatedTimestamp)
		if at.IsZero() {
			at = a.now().UTC()
		}
		out = append(out, domain.Discovery{
			ExternalID:   tx.Index,
			DiscoveredAt: at,
			StatusDetail: tx.CctxStatus.Status,
		})
	}
	return out
}
