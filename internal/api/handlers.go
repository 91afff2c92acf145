package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/tranche"
)

// holder is what every tranche offers a public caller.
type holder interface {
	Deposit(ctx context.Context, req tranche.DepositRequest) (*uint256.Int, error)
	Withdraw(ctx context.Context, req tranche.WithdrawRequest) (fees.Quote, error)
	InitiateCooldown(ctx context.Context, owner string) (time.Time, error)
	BalanceOf(id string) *uint256.Int
	CooldownStart(id string) time.Time
	Remark(ctx context.Context, newValue *uint256.Int) error
}

func (s *Server) holder(name string) (tranche.Kind, holder, error) {
	kind, err := tranche.ParseKind(strings.ToLower(name))
	if err != nil {
		return "", nil, err
	}
	if kind == tranche.Senior {
		return kind, s.ledger.Senior, nil
	}
	pool, err := s.ledger.Pool(kind)
	if err != nil {
		return "", nil, err
	}
	return kind, pool, nil
}

// resolveAccount applies the caller rules: with a token the subject is the
// default and only an admin may act for someone else; without auth the body
// must name the account.
func resolveAccount(ctx context.Context, requested string) (string, int, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		if requested == "" {
			return "", http.StatusBadRequest, errors.New("account is required")
		}
		return requested, 0, nil
	}
	if requested == "" || requested == id.Subject {
		return id.Subject, 0, nil
	}
	if id.Has(ScopeAdmin) {
		return requested, 0, nil
	}
	return "", http.StatusForbidden, errors.New("caller may not act for another account")
}

type depositRequest struct {
	Amount           string `json:"amount"`
	Receiver         string `json:"receiver"`
	MinPositionUnits string `json:"min_position_units,omitempty"`
}

type depositResponse struct {
	Tranche  tranche.Kind `json:"tranche"`
	Receiver string       `json:"receiver"`
	Credited string       `json:"credited"`
	Balance  string       `json:"balance"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	kind, h, err := s.holder(chi.URLParam(r, "tranche"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_tranche", err.Error())
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amt, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	minUnits, err := parseAmount("min_position_units", req.MinPositionUnits, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	receiver := req.Receiver
	if receiver == "" {
		if id, ok := IdentityFrom(r.Context()); ok {
			receiver = id.Subject
		}
	}

	credited, err := h.Deposit(r.Context(), tranche.DepositRequest{Amount: amt, Receiver: receiver, MinPositionUnits: minUnits})
	if err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "deposit")
	writeJSON(w, http.StatusOK, depositResponse{
		Tranche:  kind,
		Receiver: receiver,
		Credited: amount(credited),
		Balance:  amount(h.BalanceOf(receiver)),
	})
}

type withdrawRequest struct {
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner"`
	MinNet   string `json:"min_net,omitempty"`
}

type withdrawResponse struct {
	Tranche  tranche.Kind `json:"tranche"`
	Owner    string       `json:"owner"`
	Receiver string       `json:"receiver"`
	Gross    string       `json:"gross"`
	Penalty  string       `json:"penalty"`
	Fee      string       `json:"fee"`
	Net      string       `json:"net"`
	Early    bool         `json:"early"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	kind, h, err := s.holder(chi.URLParam(r, "tranche"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_tranche", err.Error())
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	owner, status, err := resolveAccount(r.Context(), req.Owner)
	if err != nil {
		writeError(w, status, http.StatusText(status), err.Error())
		return
	}
	amt, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	minNet, err := parseAmount("min_net", req.MinNet, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	receiver := req.Receiver
	if receiver == "" {
		receiver = owner
	}

	q, err := h.Withdraw(r.Context(), tranche.WithdrawRequest{Amount: amt, Receiver: receiver, Owner: owner, MinNet: minNet})
	if err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "withdraw")
	writeJSON(w, http.StatusOK, withdrawResponse{
		Tranche:  kind,
		Owner:    owner,
		Receiver: receiver,
		Gross:    amount(q.Gross),
		Penalty:  amount(q.Penalty),
		Fee:      amount(q.Fee),
		Net:      amount(q.Net),
		Early:    q.Early,
	})
}

type cooldownRequest struct {
	Owner string `json:"owner"`
}

type cooldownResponse struct {
	Tranche tranche.Kind `json:"tranche"`
	Owner   string       `json:"owner"`
	Started time.Time    `json:"started"`
	Matures time.Time    `json:"matures"`
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	kind, h, err := s.holder(chi.URLParam(r, "tranche"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_tranche", err.Error())
		return
	}
	var req cooldownRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	owner, status, err := resolveAccount(r.Context(), req.Owner)
	if err != nil {
		writeError(w, status, http.StatusText(status), err.Error())
		return
	}

	started, err := h.InitiateCooldown(r.Context(), owner)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "cooldown")
	writeJSON(w, http.StatusOK, cooldownResponse{
		Tranche: kind,
		Owner:   owner,
		Started: started,
		Matures: started.Add(s.ledger.Config().Withdrawal.CooldownPeriod),
	})
}

type balanceResponse struct {
	Tranche       tranche.Kind `json:"tranche"`
	Account       string       `json:"account"`
	Balance       string       `json:"balance"`
	Shares        string       `json:"shares,omitempty"`
	CooldownStart *time.Time   `json:"cooldown_start,omitempty"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	kind, h, err := s.holder(chi.URLParam(r, "tranche"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_tranche", err.Error())
		return
	}
	account := chi.URLParam(r, "account")
	resp := balanceResponse{Tranche: kind, Account: account, Balance: amount(h.BalanceOf(account))}
	if pool, ok := h.(*tranche.Pool); ok {
		resp.Shares = amount(pool.SharesOf(account))
	}
	if cd := h.CooldownStart(account); !cd.IsZero() {
		resp.CooldownStart = &cd
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Epoch              uint64    `json:"epoch"`
	LastRebase         time.Time `json:"last_rebase"`
	Zone               string    `json:"zone"`
	BackingRatio       string    `json:"backing_ratio"`
	TotalSupply        string    `json:"total_supply"`
	DepositCap         string    `json:"deposit_cap"`
	Index              string    `json:"index"`
	FrozenIndex        string    `json:"frozen_index,omitempty"`
	Migrated           bool      `json:"migrated"`
	PendingConversions int       `json:"pending_conversions"`
	SeniorValue        string    `json:"senior_value"`
	JuniorValue        string    `json:"junior_value"`
	ReserveValue       string    `json:"reserve_value"`
	JuniorShares       string    `json:"junior_shares"`
	ReserveShares      string    `json:"reserve_shares"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.ledger.Status()
	resp := statusResponse{
		Epoch:              st.Epoch,
		LastRebase:         st.LastRebaseTime,
		Zone:               st.Zone.String(),
		BackingRatio:       amount(st.BackingRatio),
		TotalSupply:        amount(st.TotalSupply),
		DepositCap:         amount(st.DepositCap),
		Index:              amount(st.Index),
		Migrated:           st.Migrated,
		PendingConversions: st.PendingConversions,
		SeniorValue:        amount(st.SeniorValue),
		JuniorValue:        amount(st.JuniorValue),
		ReserveValue:       amount(st.ReserveValue),
		JuniorShares:       amount(st.JuniorShares),
		ReserveShares:      amount(st.ReserveShares),
	}
	if st.Migrated {
		resp.FrozenIndex = amount(st.FrozenIndex)
	}
	writeJSON(w, http.StatusOK, resp)
}

type poolPosition struct {
	Balance string `json:"balance"`
	Shares  string `json:"shares"`
}

type accountResponse struct {
	Account       string       `json:"account"`
	Balance       string       `json:"balance"`
	Shares        string       `json:"shares"`
	Direct        string       `json:"direct"`
	Mode          string       `json:"mode"`
	CooldownStart *time.Time   `json:"cooldown_start,omitempty"`
	Junior        poolPosition `json:"junior"`
	Reserve       poolPosition `json:"reserve"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "account")
	view := s.ledger.Senior.Account(id)
	resp := accountResponse{
		Account: id,
		Balance: amount(view.Balance),
		Shares:  amount(view.Shares),
		Direct:  amount(view.Direct),
		Mode:    view.Mode.String(),
		Junior:  poolPosition{Balance: amount(s.ledger.Junior.BalanceOf(id)), Shares: amount(s.ledger.Junior.SharesOf(id))},
		Reserve: poolPosition{Balance: amount(s.ledger.Reserve.BalanceOf(id)), Shares: amount(s.ledger.Reserve.SharesOf(id))},
	}
	if !view.CooldownStart.IsZero() {
		cd := view.CooldownStart
		resp.CooldownStart = &cd
	}
	writeJSON(w, http.StatusOK, resp)
}

type rebaseRequest struct {
	Price string `json:"price,omitempty"`
}

type rebaseResponse struct {
	Epoch         uint64    `json:"epoch"`
	At            time.Time `json:"at"`
	Price         string    `json:"price"`
	Zone          string    `json:"zone"`
	Tier          int       `json:"tier"`
	AnnualRate    string    `json:"annual_rate"`
	BackingRatio  string    `json:"backing_ratio"`
	SupplyBefore  string    `json:"supply_before"`
	SupplyAfter   string    `json:"supply_after"`
	Index         string    `json:"index"`
	ToJunior      string    `json:"to_junior"`
	ToReserve     string    `json:"to_reserve"`
	FromReserve   string    `json:"from_reserve"`
	FromJunior    string    `json:"from_junior"`
	Shortfall     string    `json:"shortfall"`
	FullyRestored bool      `json:"fully_restored"`
}

func newRebaseResponse(res tranche.RebaseResult) rebaseResponse {
	return rebaseResponse{
		Epoch:         res.Epoch,
		At:            res.At,
		Price:         amount(res.Price),
		Zone:          res.Plan.Zone.String(),
		Tier:          res.Selection.Tier,
		AnnualRate:    amount(res.Selection.AnnualRate),
		BackingRatio:  amount(res.Plan.Ratio),
		SupplyBefore:  amount(res.SupplyBefore),
		SupplyAfter:   amount(res.SupplyAfter),
		Index:         amount(res.Index),
		ToJunior:      amount(res.Plan.ToJunior),
		ToReserve:     amount(res.Plan.ToReserve),
		FromReserve:   amount(res.Plan.FromReserve),
		FromJunior:    amount(res.Plan.FromJunior),
		Shortfall:     amount(res.Plan.Shortfall),
		FullyRestored: res.FullyRestored(),
	}
}

// handleRebase rebases at the posted price, or runs a keeper cycle when no
// price is given.
func (s *Server) handleRebase(w http.ResponseWriter, r *http.Request) {
	var req rebaseRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.Price == "" {
		if s.cycler == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "price is required without a price feed")
			return
		}
		res, err := s.cycler.RunOnce(r.Context(), s.now().UTC())
		if err != nil {
			writeFault(w, err)
			return
		}
		if res.Epoch == 0 {
			writeError(w, http.StatusConflict, "skipped", "another keeper holds the rebase lock")
			return
		}
		writeJSON(w, http.StatusOK, newRebaseResponse(res))
		return
	}

	price, err := parseAmount("price", req.Price, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.ledger.Senior.Rebase(r.Context(), price)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "rebase")
	writeJSON(w, http.StatusOK, newRebaseResponse(res))
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Senior.MigrateToDirectBalances(r.Context()); err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "migrate")
	st := s.ledger.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"migrated":            st.Migrated,
		"frozen_index":        amount(st.FrozenIndex),
		"pending_conversions": st.PendingConversions,
	})
}

type migrateAccountsRequest struct {
	Accounts []string `json:"accounts"`
}

func (s *Server) handleMigrateAccounts(w http.ResponseWriter, r *http.Request) {
	var req migrateAccountsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	n, err := s.ledger.Senior.MigrateAccounts(r.Context(), req.Accounts)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "migrate_accounts")
	writeJSON(w, http.StatusOK, map[string]any{
		"converted":           n,
		"pending_conversions": s.ledger.Status().PendingConversions,
	})
}

type remarkRequest struct {
	Tranche string `json:"tranche"`
	Value   string `json:"value"`
}

func (s *Server) handleRemark(w http.ResponseWriter, r *http.Request) {
	var req remarkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind, h, err := s.holder(req.Tranche)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_tranche", err.Error())
		return
	}
	value, err := parseAmount("value", req.Value, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.Remark(r.Context(), value); err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "remark")
	writeJSON(w, http.StatusOK, map[string]string{"tranche": string(kind), "value": amount(value)})
}

type feeIntervalRequest struct {
	Tranche  string `json:"tranche"`
	Interval string `json:"interval"`
}

func (s *Server) handleFeeInterval(w http.ResponseWriter, r *http.Request) {
	var req feeIntervalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pool, ok := s.pool(w, req.Tranche)
	if !ok {
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := pool.SetFeeInterval(r.Context(), d); err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "fee_interval")
	sched := pool.FeeSchedule()
	writeJSON(w, http.StatusOK, map[string]any{
		"tranche":   pool.Kind(),
		"interval":  sched.Interval.String(),
		"last_mint": sched.LastMint,
	})
}

type mintFeesRequest struct {
	Tranche string `json:"tranche"`
}

func (s *Server) handleMintFees(w http.ResponseWriter, r *http.Request) {
	var req mintFeesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pool, ok := s.pool(w, req.Tranche)
	if !ok {
		return
	}
	minted, err := pool.MintFees(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	s.mutated(r.Context(), "mint_fees")
	writeJSON(w, http.StatusOK, map[string]any{
		"tranche":   pool.Kind(),
		"fee_value": amount(minted),
		"recipient": s.ledger.Config().FeeRecipient,
	})
}

func (s *Server) pool(w http.ResponseWriter, name string) (*tranche.Pool, bool) {
	kind, err := tranche.ParseKind(strings.ToLower(name))
	if err == nil {
		var p *tranche.Pool
		if p, err = s.ledger.Pool(kind); err == nil {
			return p, true
		}
	}
	writeError(w, http.StatusBadRequest, "unknown_pool", err.Error())
	return nil, false
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, v)
}
