package handler

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"

	"blockhead-onchain/model"
	usecase "blockhead-onchain/usecase/market"
)

// アップロードの最大サイズ (32MB)
const maxUploadBytes = 32 << 20

// MarketHandler はマーケットプレイスのHTTP API
type MarketHandler struct {
	marketUC usecase.MarketUsecase
}

func NewMarketHandler(uc usecase.MarketUsecase) *MarketHandler {
	return &MarketHandler{marketUC: uc}
}

// HandleAccounts はノードのアカウント一覧と選択中のアカウントを返す
func (h *MarketHandler) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.marketUC.Accounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"accounts": accounts,
		"current":  h.marketUC.CurrentAccount(),
	})
}

// SelectAccountRequest はアカウント選択リクエスト
type SelectAccountRequest struct {
	Address string `json:"address"`
}

// HandleSelectAccount はセッションの送信元アドレスを選択する
func (h *MarketHandler) HandleSelectAccount(w http.ResponseWriter, r *http.Request) {
	var req SelectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}

	if err := h.marketUC.SelectAccount(req.Address); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{"address": req.Address})
}

// HandleListingPrice は現在の出品手数料を返す
func (h *MarketHandler) HandleListingPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.marketUC.ListingPrice(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{"listing_price_wei": price.String()})
}

// HandleListArtwork はアートワークを受け取り、アップロード→ミント→出品を実行する
//
// multipart/form-data:
//   - artwork:   アートワーク本体
//   - price_wei: 販売価格 (Wei, 10進文字列)
//   - address:   送信元アドレス（省略時はセッションの選択）
func (h *MarketHandler) HandleListArtwork(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("artwork")
	if err != nil {
		http.Error(w, "artwork file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	artwork, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read artwork", http.StatusBadRequest)
		return
	}

	priceWei, ok := new(big.Int).SetString(r.FormValue("price_wei"), 10)
	if !ok {
		http.Error(w, "price_wei must be a decimal wei amount", http.StatusBadRequest)
		return
	}

	result, err := h.marketUC.ListArtwork(r.Context(), r.FormValue("address"), header.Filename, artwork, priceWei)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, result)
}

// HandleItemsForSale は販売中の出品一覧を返す
func (h *MarketHandler) HandleItemsForSale(w http.ResponseWriter, r *http.Request) {
	items, err := h.marketUC.ItemsForSale(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeItems(w, items)
}

// HandleMyListedItems は自分の出品一覧を返す（?address=&show_sold=true）
func (h *MarketHandler) HandleMyListedItems(w http.ResponseWriter, r *http.Request) {
	showSold := r.URL.Query().Get("show_sold") == "true"

	items, err := h.marketUC.MyListedItems(r.Context(), r.URL.Query().Get("address"), showSold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeItems(w, items)
}

// HandleMyPurchases は自分が購入した一覧を返す（?address=）
func (h *MarketHandler) HandleMyPurchases(w http.ResponseWriter, r *http.Request) {
	items, err := h.marketUC.MyPurchases(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeItems(w, items)
}

// BuyRequest は購入リクエスト
type BuyRequest struct {
	ItemId   uint64 `json:"item_id"`
	PriceWei string `json:"price_wei"`
	Address  string `json:"address,omitempty"`
}

// HandleBuy は出品を購入する
func (h *MarketHandler) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ItemId == 0 {
		http.Error(w, "item_id is required", http.StatusBadRequest)
		return
	}

	priceWei, ok := new(big.Int).SetString(req.PriceWei, 10)
	if !ok {
		http.Error(w, "price_wei must be a decimal wei amount", http.StatusBadRequest)
		return
	}

	receipt, err := h.marketUC.Buy(r.Context(), req.Address, req.ItemId, priceWei)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, receipt)
}

// VerifyTxRequest はトランザクション検証リクエスト
type VerifyTxRequest struct {
	TxHash string `json:"tx_hash"`
}

// HandleVerifyTransaction はトランザクションを検証する
func (h *MarketHandler) HandleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	var req VerifyTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TxHash == "" {
		http.Error(w, "tx_hash is required", http.StatusBadRequest)
		return
	}

	verification, err := h.marketUC.VerifyTransaction(r.Context(), req.TxHash)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, verification)
}

// itemResponse はPriceWeiをstringにして返すための変換
func itemResponse(item model.MarketItem) map[string]interface{} {
	response := map[string]interface{}{
		"token_id":  item.TokenId,
		"item_id":   item.ItemId,
		"minter":    item.Minter,
		"owner":     item.Owner,
		"price_wei": item.PriceWei.String(),
		"sold":      item.Sold,
	}
	if item.TokenURI != "" {
		response["token_uri"] = item.TokenURI
	}
	if item.GatewayURL != "" {
		response["gateway_url"] = item.GatewayURL
	}
	return response
}

func writeItems(w http.ResponseWriter, items []model.MarketItem) {
	responses := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		responses = append(responses, itemResponse(item))
	}
	writeJSON(w, map[string]interface{}{
		"items": responses,
		"count": len(responses),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError はエラーの種類をHTTPステータスへ対応づける
func writeError(w http.ResponseWriter, err error) {
	var invalidAddress *model.InvalidAddressError
	var tokenNotFound *model.TokenNotFoundError
	var transport *model.TransportError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalidAddress):
		status = http.StatusBadRequest
	case errors.As(err, &tokenNotFound):
		status = http.StatusNotFound
	case errors.As(err, &transport):
		status = http.StatusBadGateway
	}

	http.Error(w, err.Error(), status)
}
