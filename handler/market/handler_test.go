package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockhead-onchain/model"
)

const (
	sellerAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	buyerAddr  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// fakeUsecase はハンドラーのテスト用実装
type fakeUsecase struct {
	accountsFn       func(ctx context.Context) ([]string, error)
	selectAccountFn  func(address string) error
	currentAccount   string
	listingPriceFn   func(ctx context.Context) (*big.Int, error)
	listArtworkFn    func(ctx context.Context, from, filename string, artwork []byte, priceWei *big.Int) (*model.ListingResult, error)
	itemsForSaleFn   func(ctx context.Context) ([]model.MarketItem, error)
	myListedItemsFn  func(ctx context.Context, from string, showSold bool) ([]model.MarketItem, error)
	myPurchasesFn    func(ctx context.Context, from string) ([]model.MarketItem, error)
	buyFn            func(ctx context.Context, from string, itemId uint64, priceWei *big.Int) (*model.TxReceipt, error)
	verifyFn         func(ctx context.Context, txHash string) (*model.TxVerification, error)
}

func (f *fakeUsecase) Accounts(ctx context.Context) ([]string, error) { return f.accountsFn(ctx) }
func (f *fakeUsecase) SelectAccount(address string) error             { return f.selectAccountFn(address) }
func (f *fakeUsecase) CurrentAccount() string                         { return f.currentAccount }
func (f *fakeUsecase) ListingPrice(ctx context.Context) (*big.Int, error) {
	return f.listingPriceFn(ctx)
}
func (f *fakeUsecase) ListArtwork(ctx context.Context, from, filename string, artwork []byte, priceWei *big.Int) (*model.ListingResult, error) {
	return f.listArtworkFn(ctx, from, filename, artwork, priceWei)
}
func (f *fakeUsecase) ItemsForSale(ctx context.Context) ([]model.MarketItem, error) {
	return f.itemsForSaleFn(ctx)
}
func (f *fakeUsecase) MyListedItems(ctx context.Context, from string, showSold bool) ([]model.MarketItem, error) {
	return f.myListedItemsFn(ctx, from, showSold)
}
func (f *fakeUsecase) MyPurchases(ctx context.Context, from string) ([]model.MarketItem, error) {
	return f.myPurchasesFn(ctx, from)
}
func (f *fakeUsecase) Buy(ctx context.Context, from string, itemId uint64, priceWei *big.Int) (*model.TxReceipt, error) {
	return f.buyFn(ctx, from, itemId, priceWei)
}
func (f *fakeUsecase) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	return f.verifyFn(ctx, txHash)
}

func newTestRouter(uc *fakeUsecase) *mux.Router {
	h := NewMarketHandler(uc)
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/accounts", h.HandleAccounts).Methods("GET")
	router.HandleFunc("/api/v1/session/account", h.HandleSelectAccount).Methods("POST")
	router.HandleFunc("/api/v1/market/listing-price", h.HandleListingPrice).Methods("GET")
	router.HandleFunc("/api/v1/market/items", h.HandleItemsForSale).Methods("GET")
	router.HandleFunc("/api/v1/market/list", h.HandleListArtwork).Methods("POST")
	router.HandleFunc("/api/v1/market/buy", h.HandleBuy).Methods("POST")
	router.HandleFunc("/api/v1/market/my/listed", h.HandleMyListedItems).Methods("GET")
	router.HandleFunc("/api/v1/market/my/purchases", h.HandleMyPurchases).Methods("GET")
	router.HandleFunc("/api/v1/market/verify-tx", h.HandleVerifyTransaction).Methods("POST")
	return router
}

func TestHandleItemsForSale(t *testing.T) {
	uc := &fakeUsecase{
		itemsForSaleFn: func(ctx context.Context) ([]model.MarketItem, error) {
			return []model.MarketItem{
				{
					TokenId:    1,
					ItemId:     1,
					Minter:     "0xf3...2266",
					Owner:      "0xf3...2266",
					PriceWei:   big.NewInt(1000),
					Sold:       false,
					TokenURI:   "ipfs://Qm123",
					GatewayURL: "https://gateway.pinata.cloud/ipfs/Qm123",
				},
			}, nil
		},
	}

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/market/items", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
		Items []map[string]interface{} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)

	item := body.Items[0]
	assert.Equal(t, "1000", item["price_wei"]) // Weiは文字列で返す
	assert.Equal(t, "0xf3...2266", item["minter"])
	assert.Equal(t, "ipfs://Qm123", item["token_uri"])
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs/Qm123", item["gateway_url"])
}

func TestHandleItemsForSaleTransportFailureIs502(t *testing.T) {
	uc := &fakeUsecase{
		itemsForSaleFn: func(ctx context.Context) ([]model.MarketItem, error) {
			return nil, &model.TransportError{Op: "eth_call fetchMarketItems", Cause: errors.New("timeout")}
		},
	}

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/market/items", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "fetchMarketItems")
}

func TestHandleMyListedItemsParsesShowSold(t *testing.T) {
	var gotFrom string
	var gotShowSold bool
	uc := &fakeUsecase{
		myListedItemsFn: func(ctx context.Context, from string, showSold bool) ([]model.MarketItem, error) {
			gotFrom, gotShowSold = from, showSold
			return []model.MarketItem{}, nil
		},
	}

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/market/my/listed?address="+sellerAddr+"&show_sold=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sellerAddr, gotFrom)
	assert.True(t, gotShowSold)
}

func TestHandleBuy(t *testing.T) {
	uc := &fakeUsecase{
		buyFn: func(ctx context.Context, from string, itemId uint64, priceWei *big.Int) (*model.TxReceipt, error) {
			assert.Equal(t, buyerAddr, from)
			assert.Equal(t, uint64(1), itemId)
			assert.Equal(t, 0, priceWei.Cmp(big.NewInt(1000)))
			return &model.TxReceipt{TxHash: "0xccc", Success: true, BlockNumber: 5}, nil
		},
	}

	body, _ := json.Marshal(BuyRequest{ItemId: 1, PriceWei: "1000", Address: buyerAddr})
	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/market/buy", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)

	var receipt model.TxReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.True(t, receipt.Success)
	assert.Equal(t, "0xccc", receipt.TxHash)
}

func TestHandleBuyRejectsBadInput(t *testing.T) {
	uc := &fakeUsecase{}
	router := newTestRouter(uc)

	// 壊れたJSON
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/market/buy", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// item_idなし
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/market/buy", strings.NewReader(`{"price_wei":"1000"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// price_weiが数値文字列でない
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/market/buy", strings.NewReader(`{"item_id":1,"price_wei":"lots"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListArtwork(t *testing.T) {
	uc := &fakeUsecase{
		listArtworkFn: func(ctx context.Context, from, filename string, artwork []byte, priceWei *big.Int) (*model.ListingResult, error) {
			assert.Equal(t, sellerAddr, from)
			assert.Equal(t, "artwork.png", filename)
			assert.Equal(t, []byte("fake image"), artwork)
			assert.Equal(t, 0, priceWei.Cmp(big.NewInt(1000)))
			return &model.ListingResult{TokenId: 1, ItemId: 1, TokenURI: "ipfs://Qm123", GatewayURL: "https://gateway.pinata.cloud/ipfs/Qm123"}, nil
		},
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("artwork", "artwork.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake image"))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("price_wei", "1000"))
	require.NoError(t, writer.WriteField("address", sellerAddr))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/v1/market/list", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result model.ListingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, uint64(1), result.TokenId)
	assert.Equal(t, uint64(1), result.ItemId)
	assert.Equal(t, "ipfs://Qm123", result.TokenURI)
}

func TestHandleListArtworkRequiresFile(t *testing.T) {
	uc := &fakeUsecase{}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("price_wei", "1000"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/v1/market/list", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSelectAccount(t *testing.T) {
	uc := &fakeUsecase{
		selectAccountFn: func(address string) error {
			if address == "bogus" {
				return &model.InvalidAddressError{Address: address}
			}
			return nil
		},
	}
	router := newTestRouter(uc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/session/account", strings.NewReader(`{"address":"`+sellerAddr+`"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/session/account", strings.NewReader(`{"address":"bogus"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAccounts(t *testing.T) {
	uc := &fakeUsecase{
		accountsFn: func(ctx context.Context) ([]string, error) {
			return []string{sellerAddr, buyerAddr}, nil
		},
		currentAccount: sellerAddr,
	}

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/accounts", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Accounts []string `json:"accounts"`
		Current  string   `json:"current"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{sellerAddr, buyerAddr}, body.Accounts)
	assert.Equal(t, sellerAddr, body.Current)
}

func TestHandleListingPrice(t *testing.T) {
	uc := &fakeUsecase{
		listingPriceFn: func(ctx context.Context) (*big.Int, error) {
			return big.NewInt(350), nil
		},
	}

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/market/listing-price", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"listing_price_wei":"350"`)
}

func TestHandleVerifyTransaction(t *testing.T) {
	uc := &fakeUsecase{
		verifyFn: func(ctx context.Context, txHash string) (*model.TxVerification, error) {
			return &model.TxVerification{TxHash: txHash, Status: "success", Success: true, BlockNumber: 5}, nil
		},
	}
	router := newTestRouter(uc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/market/verify-tx", strings.NewReader(`{"tx_hash":"0xccc"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"success"`)

	// tx_hashなし
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/market/verify-tx", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteErrorMapsTokenNotFoundTo404(t *testing.T) {
	uc := &fakeUsecase{
		itemsForSaleFn: func(ctx context.Context) ([]model.MarketItem, error) {
			return nil, &model.TokenNotFoundError{TokenId: 9, Cause: errors.New("execution reverted")}
		},
	}

	rec := httptest.NewRecorder()
	newTestRouter(uc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/market/items", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
