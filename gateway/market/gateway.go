package market

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blockhead-onchain/model"
)

// 出品の確定を示すイベント名（indexedな第1引数が出品ID）
const eventMarketItemCreated = "MarketItemCreated"

// Gateway はマーケットプレイスコントラクト（台帳）との連携を担当
type Gateway interface {
	// ListingPrice は現在の出品手数料 (Wei) を取得する
	// 手数料は呼び出しの間に変わり得るため、キャッシュせず毎回取得する
	ListingPrice(ctx context.Context) (*big.Int, error)

	// CreateItem はトークンを出品し、割り当てられた出品IDを返す
	CreateItem(ctx context.Context, from string, tokenId uint64, priceWei *big.Int, listingFeeWei *big.Int) (uint64, error)

	// Buy は出品を購入する（所有権移転・代金送金・手数料回収は台帳がアトミックに行う）
	Buy(ctx context.Context, from string, itemId uint64, priceWei *big.Int) (*model.TxReceipt, error)

	// ItemsCreatedBy はfromが出品者として作成した出品を取得する
	// showSoldがfalseの場合は売却済みを除外し、残りのアドレスを短縮表示にする
	ItemsCreatedBy(ctx context.Context, from string, showSold bool) ([]model.MarketItem, error)

	// ItemsOwnedBy はfromが購入して所有している出品を取得する（アドレスは常に短縮表示）
	ItemsOwnedBy(ctx context.Context, from string) ([]model.MarketItem, error)

	// UnsoldItems は台帳全体の未売却の出品を取得する（アドレスは常に短縮表示）
	UnsoldItems(ctx context.Context) ([]model.MarketItem, error)

	// VerifyTransaction はトランザクションを検証する
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error)
}

// contractHandle はロード済みコントラクトへの呼び出し面
type contractHandle interface {
	Call(ctx context.Context, from string, method string, args ...interface{}) ([]interface{}, error)
	Transact(ctx context.Context, from string, valueWei *big.Int, method string, args ...interface{}) (*model.TxReceipt, error)
	EventId(receipt *model.TxReceipt, eventName string) (uint64, error)
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error)
	Address() string
}

// MarketGateway はBlockheadマーケットプレイスコントラクトとの連携実装
type MarketGateway struct {
	contract   contractHandle
	nftAddress common.Address // createMarketItem / createMarketSale が要求するNFTコントラクトアドレス
}

func NewMarketGateway(handle contractHandle, nftContractAddr string) (*MarketGateway, error) {
	if !common.IsHexAddress(nftContractAddr) {
		return nil, &model.InvalidAddressError{Address: nftContractAddr}
	}
	return &MarketGateway{
		contract:   handle,
		nftAddress: common.HexToAddress(nftContractAddr),
	}, nil
}

// ListingPrice はgetListingPrice()を読み取り専用で呼び出す
func (g *MarketGateway) ListingPrice(ctx context.Context) (*big.Int, error) {
	results, err := g.contract.Call(ctx, "", "getListingPrice")
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, errors.Errorf("getListingPrice: unexpected output arity %d", len(results))
	}
	price, ok := results[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("getListingPrice: unexpected output type %T", results[0])
	}
	return price, nil
}

// CreateItem はcreateMarketItemトランザクションを送信し、確定までブロックする
//
// 出品手数料はlistingFeeWeiとしてトランザクションに添付する（過不足はrevert）。
// 前提条件（fromがトークンの所有者であること、NFTコントラクトがマーケットプレイス
// への移転を承認済みであること）は台帳側が強制する。
func (g *MarketGateway) CreateItem(ctx context.Context, from string, tokenId uint64, priceWei *big.Int, listingFeeWei *big.Int) (uint64, error) {
	receipt, err := g.contract.Transact(ctx, from, listingFeeWei, "createMarketItem",
		g.nftAddress, new(big.Int).SetUint64(tokenId), priceWei)
	if err != nil {
		return 0, &model.ListingCreationError{Cause: err}
	}

	itemId, err := g.contract.EventId(receipt, eventMarketItemCreated)
	if err != nil {
		return 0, &model.ListingCreationError{Cause: err}
	}

	logrus.WithFields(logrus.Fields{
		"item_id":   itemId,
		"token_id":  tokenId,
		"price_wei": priceWei.String(),
		"tx_hash":   receipt.TxHash,
	}).Info("Market item created")

	return itemId, nil
}

// Buy はcreateMarketSaleトランザクションを送信し、確定までブロックする
//
// priceWeiは出品価格と完全一致でトランザクションに添付する。売却済みの出品や
// 価格不一致は台帳がrevertし、その場合の台帳の状態は一切変化しない。
func (g *MarketGateway) Buy(ctx context.Context, from string, itemId uint64, priceWei *big.Int) (*model.TxReceipt, error) {
	receipt, err := g.contract.Transact(ctx, from, priceWei, "createMarketSale",
		g.nftAddress, new(big.Int).SetUint64(itemId))
	if err != nil {
		return nil, &model.PurchaseError{ItemId: itemId, Cause: err}
	}

	logrus.WithFields(logrus.Fields{
		"item_id":   itemId,
		"buyer":     from,
		"price_wei": priceWei.String(),
		"tx_hash":   receipt.TxHash,
	}).Info("Market item purchased")

	return receipt, nil
}

// ItemsCreatedBy はfetchItemsCreated()をfromのmsg.senderで呼び出す
//
// showSoldがfalseの場合のみ、売却済みを除外した上でアドレスを短縮表示へ
// 変換する。この非対称な挙動は既存仕様のまま維持している。
func (g *MarketGateway) ItemsCreatedBy(ctx context.Context, from string, showSold bool) ([]model.MarketItem, error) {
	items, err := g.fetchItems(ctx, from, "fetchItemsCreated")
	if err != nil {
		return nil, err
	}
	if showSold {
		return items, nil
	}

	unsold := make([]model.MarketItem, 0, len(items))
	for _, item := range items {
		if item.Sold {
			continue
		}
		item.Minter = shortenAddress(item.Minter)
		item.Owner = shortenAddress(item.Owner)
		unsold = append(unsold, item)
	}
	return unsold, nil
}

// ItemsOwnedBy はfetchMyNFTs()をfromのmsg.senderで呼び出す
func (g *MarketGateway) ItemsOwnedBy(ctx context.Context, from string) ([]model.MarketItem, error) {
	items, err := g.fetchItems(ctx, from, "fetchMyNFTs")
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Minter = shortenAddress(items[i].Minter)
		items[i].Owner = shortenAddress(items[i].Owner)
	}
	return items, nil
}

// UnsoldItems はfetchMarketItems()を呼び出す（senderは不要）
func (g *MarketGateway) UnsoldItems(ctx context.Context) ([]model.MarketItem, error) {
	items, err := g.fetchItems(ctx, "", "fetchMarketItems")
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Minter = shortenAddress(items[i].Minter)
		items[i].Owner = shortenAddress(items[i].Owner)
	}
	return items, nil
}

// VerifyTransaction はトランザクションを検証する
func (g *MarketGateway) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	return g.contract.VerifyTransaction(ctx, txHash)
}

// rawMarketItem はコントラクトが返すMarketItemタプルのレイアウト
// フィールドの順序と数はABIのタプル定義と一致していなければならない
type rawMarketItem struct {
	TokenId     *big.Int
	NftContract common.Address
	ItemId      *big.Int
	Seller      common.Address
	Owner       common.Address
	Price       *big.Int
	Sold        bool
}

// fetchItems はMarketItem[]を返すエントリポイントの共通処理
// 該当なしは空スライスで返す（エラーにはしない）
func (g *MarketGateway) fetchItems(ctx context.Context, from string, method string) ([]model.MarketItem, error) {
	results, err := g.contract.Call(ctx, from, method)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, errors.Errorf("%s: unexpected output arity %d", method, len(results))
	}

	raw := *abi.ConvertType(results[0], new([]rawMarketItem)).(*[]rawMarketItem)

	items := make([]model.MarketItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, normalize(r))
	}
	return items, nil
}

// normalize はチェーン上のタプルを正規化済みレコードへ変換する
// NftContractは呼び出し側へ返す前にここで落とす
func normalize(r rawMarketItem) model.MarketItem {
	return model.MarketItem{
		TokenId:  r.TokenId.Uint64(),
		ItemId:   r.ItemId.Uint64(),
		Minter:   r.Seller.Hex(),
		Owner:    r.Owner.Hex(),
		PriceWei: r.Price,
		Sold:     r.Sold,
	}
}

// shortenAddress はアドレスを先頭4文字と末尾4文字の短縮表示へ変換する
func shortenAddress(address string) string {
	if len(address) <= 8 {
		return address
	}
	return address[:4] + "..." + address[len(address)-4:]
}
