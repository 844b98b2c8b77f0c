package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/settings"
	"github.com/punchamoorthee/pointsledger/internal/tier"
	"github.com/shopspring/decimal"
)

type EarnRequest struct {
	OrderAmount decimal.Decimal `json:"order_amount"`
	Description string          `json:"description,omitempty"`
}

type AdjustRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type RedeemRequest struct {
	CustomerID string               `json:"customer_id"`
	RewardID   int64                `json:"reward_id"`
	Order      *domain.OrderContext `json:"order,omitempty"`
}

type StatusRequest struct {
	Status domain.RewardStatus `json:"status"`
}

type TiersRequest struct {
	Tiers []tier.Tier `json:"tiers"`
}

type SettingsResponse struct {
	Version  int64           `json:"version"`
	Values   domain.Settings `json:"values"`
	LoadedAt time.Time       `json:"loaded_at"`
}

func settingsResponse(s *settings.Snapshot) SettingsResponse {
	return SettingsResponse{Version: s.Version, Values: s.Values, LoadedAt: s.LoadedAt}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	var page domain.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		page.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "before must be a transaction id")
			return
		}
		page.BeforeID = n
	}

	txs, err := h.engine.GetTransactionHistory(r.Context(), mux.Vars(r)["id"], page)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	resp := map[string]any{"transactions": txs}
	if n := len(txs); n > 0 && n == page.Normalize().Limit {
		resp["next_before"] = txs[n-1].ID
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) EarnHandler(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	body, err := readBody(w, r, &req)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}

	txn, replayed, err := h.engine.Earn(r.Context(), mux.Vars(r)["id"], req.OrderAmount, req.Description, idempotencyKey(r, body))
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	if replayed {
		respondWithJSON(w, http.StatusOK, txn)
		return
	}
	respondWithJSON(w, http.StatusCreated, txn)
}

func (h *Handler) AdjustHandler(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if _, err := readBody(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	txn, err := h.engine.Adjust(r.Context(), mux.Vars(r)["id"], req.Amount, req.Description)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusCreated, txn)
}

func (h *Handler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Ledger.Verify(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) ListRewardsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RewardFilter{
		Status: domain.RewardStatus(q.Get("status")),
		Type:   domain.RewardType(q.Get("reward_type")),
	}
	if v := q.Get("available"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "available must be a boolean")
			return
		}
		if ok {
			now := time.Now()
			filter.AvailableAt = &now
		}
	}
	rewards, err := h.engine.ListRewards(r.Context(), filter)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"rewards": rewards})
}

func (h *Handler) CreateRewardHandler(w http.ResponseWriter, r *http.Request) {
	var spec domain.RewardSpec
	if _, err := readBody(w, r, &spec); err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	reward, err := h.engine.Catalog.CreateReward(r.Context(), spec)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/rewards/%d", reward.ID))
	respondWithJSON(w, http.StatusCreated, reward)
}

func rewardID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, domain.Invalid("reward_id", "must be an integer")
	}
	return id, nil
}

func (h *Handler) GetRewardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := rewardID(r)
	if err == nil {
		var reward *domain.Reward
		if reward, err = h.engine.Catalog.GetReward(r.Context(), id); err == nil {
			respondWithJSON(w, http.StatusOK, reward)
			return
		}
	}
	h.respondWithServiceError(w, r, err, nil)
}

func (h *Handler) UpdateRewardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := rewardID(r)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	var spec domain.RewardSpec
	if _, err := readBody(w, r, &spec); err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	reward, err := h.engine.Catalog.UpdateReward(r.Context(), id, spec)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, reward)
}

func (h *Handler) SetRewardStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := rewardID(r)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	var req StatusRequest
	if _, err := readBody(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	reward, err := h.engine.Catalog.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, reward)
}

func (h *Handler) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	body, err := readBody(w, r, &req)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}

	red, replayed, err := h.engine.Redeem(r.Context(), req.CustomerID, req.RewardID, req.Order, idempotencyKey(r, body))
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	if replayed {
		respondWithJSON(w, http.StatusOK, red)
		return
	}
	w.Header().Set("Location", "/api/v1/redemptions/"+red.Code)
	respondWithJSON(w, http.StatusCreated, red)
}

func (h *Handler) GetRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	red, err := h.engine.Redemptions.Get(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, red)
}

func (h *Handler) ConsumeHandler(w http.ResponseWriter, r *http.Request) {
	var oc domain.OrderContext
	if _, err := readBody(w, r, &oc); err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	red, err := h.engine.Consume(r.Context(), mux.Vars(r)["code"], oc)
	if err != nil {
		// A used or expired code is reported together with its current state.
		if !errors.Is(err, domain.ErrAlreadyUsed) && !errors.Is(err, domain.ErrExpired) {
			red = nil
		}
		h.respondWithServiceError(w, r, err, red)
		return
	}
	respondWithJSON(w, http.StatusOK, red)
}

func (h *Handler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, settingsResponse(h.engine.GetSettings()))
}

func (h *Handler) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var values domain.Settings
	if _, err := readBody(w, r, &values); err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	snap, err := h.engine.UpdateSettings(r.Context(), values)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, settingsResponse(snap))
}

func (h *Handler) GetTiersHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, TiersRequest{Tiers: h.engine.GetSettings().Tiers.Tiers()})
}

func (h *Handler) UpdateTiersHandler(w http.ResponseWriter, r *http.Request) {
	var req TiersRequest
	if _, err := readBody(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	snap, err := h.engine.Settings.UpdateTiers(r.Context(), req.Tiers)
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, TiersRequest{Tiers: snap.Tiers.Tiers()})
}

func (h *Handler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Sweeper.SweepOnce(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err, nil)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}
