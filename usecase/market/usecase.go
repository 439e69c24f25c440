package usecase

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blockhead-onchain/gateway/market"
	"blockhead-onchain/gateway/nft"
	"blockhead-onchain/gateway/pinata"
	"blockhead-onchain/model"
)

// MarketUsecase はマーケットプレイスのビジネスロジック
type MarketUsecase interface {
	// Accounts はノードが管理するアカウント一覧を返す
	Accounts(ctx context.Context) ([]string, error)

	// SelectAccount はセッションの送信元アドレスを選択する
	SelectAccount(address string) error

	// CurrentAccount は選択中の送信元アドレスを返す（未選択なら空文字列）
	CurrentAccount() string

	// ListingPrice は現在の出品手数料を取得する（キャッシュなし）
	ListingPrice(ctx context.Context) (*big.Int, error)

	// ListArtwork はアートワークをアップロードし、ミントして出品する
	ListArtwork(ctx context.Context, from string, filename string, artwork []byte, priceWei *big.Int) (*model.ListingResult, error)

	// ItemsForSale は販売中の出品一覧をURI・ゲートウェイURL付きで返す
	ItemsForSale(ctx context.Context) ([]model.MarketItem, error)

	// MyListedItems は自分が出品した一覧を返す
	MyListedItems(ctx context.Context, from string, showSold bool) ([]model.MarketItem, error)

	// MyPurchases は自分が購入した一覧を返す
	MyPurchases(ctx context.Context, from string) ([]model.MarketItem, error)

	// Buy は出品を購入する
	Buy(ctx context.Context, from string, itemId uint64, priceWei *big.Int) (*model.TxReceipt, error)

	// VerifyTransaction はトランザクションを検証する
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error)
}

// nodeGateway はノードRPCへのアクセス面
type nodeGateway interface {
	Accounts(ctx context.Context) ([]string, error)
}

type marketUsecase struct {
	nftGateway    nft.Gateway
	marketGateway market.Gateway
	pinGateway    pinata.Gateway
	node          nodeGateway
	txTimeout     time.Duration

	// セッションの送信元アドレス
	// 書き込みはユーザーのアカウント選択のみ（1セッション1クライアント）
	currentAccount string
}

func NewMarketUsecase(nftGW nft.Gateway, marketGW market.Gateway, pinGW pinata.Gateway, node nodeGateway, txTimeout time.Duration) *marketUsecase {
	return &marketUsecase{
		nftGateway:    nftGW,
		marketGateway: marketGW,
		pinGateway:    pinGW,
		node:          node,
		txTimeout:     txTimeout,
	}
}

func (uc *marketUsecase) Accounts(ctx context.Context) ([]string, error) {
	return uc.node.Accounts(ctx)
}

func (uc *marketUsecase) SelectAccount(address string) error {
	if !common.IsHexAddress(address) {
		return &model.InvalidAddressError{Address: address}
	}
	uc.currentAccount = address
	logrus.WithField("address", address).Info("Session account selected")
	return nil
}

func (uc *marketUsecase) CurrentAccount() string {
	return uc.currentAccount
}

// resolveSender はリクエストにアドレスがなければセッションの選択を使う
func (uc *marketUsecase) resolveSender(from string) (string, error) {
	if from == "" {
		from = uc.currentAccount
	}
	if from == "" {
		return "", errors.New("no sender account selected")
	}
	if !common.IsHexAddress(from) {
		return "", &model.InvalidAddressError{Address: from}
	}
	return from, nil
}

// txContext は状態変更トランザクションの確定待ちにタイムアウトを課す
func (uc *marketUsecase) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.txTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, uc.txTimeout)
}

func (uc *marketUsecase) ListingPrice(ctx context.Context) (*big.Int, error) {
	return uc.marketGateway.ListingPrice(ctx)
}

// ListArtwork は「アップロード→ミント→出品」を順に実行する
//
// 各段階の失敗は独立に伝播する:
//   - アップロード失敗 (UploadError): ミントは試みない
//   - ミント失敗 (MintError): 出品は試みない
//   - 出品失敗 (ListingCreationError): ミント済みトークンはそのまま残る
//
// 出品手数料は直前に毎回取得する（呼び出しの間に変わり得るため）。
func (uc *marketUsecase) ListArtwork(ctx context.Context, from string, filename string, artwork []byte, priceWei *big.Int) (*model.ListingResult, error) {
	sender, err := uc.resolveSender(from)
	if err != nil {
		return nil, err
	}
	if priceWei == nil || priceWei.Sign() < 0 {
		return nil, errors.New("price must be a non-negative wei amount")
	}

	tokenURI, err := uc.pinGateway.PinFile(ctx, filename, artwork)
	if err != nil {
		return nil, err
	}

	txCtx, cancel := uc.txContext(ctx)
	defer cancel()

	tokenId, err := uc.nftGateway.Mint(txCtx, sender, tokenURI)
	if err != nil {
		return nil, err
	}

	listingFee, err := uc.marketGateway.ListingPrice(ctx)
	if err != nil {
		return nil, &model.ListingCreationError{Cause: err}
	}

	itemId, err := uc.marketGateway.CreateItem(txCtx, sender, tokenId, priceWei, listingFee)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"token_id": tokenId,
		"item_id":  itemId,
		"seller":   sender,
	}).Info("Artwork listed for sale")

	return &model.ListingResult{
		TokenId:    tokenId,
		ItemId:     itemId,
		TokenURI:   tokenURI,
		GatewayURL: uc.pinGateway.GatewayURL(tokenURI),
	}, nil
}

// ItemsForSale は未売却の出品にトークンURIとゲートウェイURLを付けて返す
func (uc *marketUsecase) ItemsForSale(ctx context.Context) ([]model.MarketItem, error) {
	items, err := uc.marketGateway.UnsoldItems(ctx)
	if err != nil {
		return nil, err
	}

	for i := range items {
		uri, err := uc.nftGateway.TokenURI(ctx, items[i].TokenId)
		if err != nil {
			return nil, err
		}
		items[i].TokenURI = uri
		items[i].GatewayURL = uc.pinGateway.GatewayURL(uri)
	}
	return items, nil
}

func (uc *marketUsecase) MyListedItems(ctx context.Context, from string, showSold bool) ([]model.MarketItem, error) {
	sender, err := uc.resolveSender(from)
	if err != nil {
		return nil, err
	}
	return uc.marketGateway.ItemsCreatedBy(ctx, sender, showSold)
}

func (uc *marketUsecase) MyPurchases(ctx context.Context, from string) ([]model.MarketItem, error) {
	sender, err := uc.resolveSender(from)
	if err != nil {
		return nil, err
	}
	return uc.marketGateway.ItemsOwnedBy(ctx, sender)
}

// Buy は購入を実行する
// 競合した購入のどちらが成立するかは台帳のアトミック性が決める（ローカルでの
// 事前チェックやリトライは行わない）
func (uc *marketUsecase) Buy(ctx context.Context, from string, itemId uint64, priceWei *big.Int) (*model.TxReceipt, error) {
	sender, err := uc.resolveSender(from)
	if err != nil {
		return nil, err
	}
	if priceWei == nil || priceWei.Sign() < 0 {
		return nil, errors.New("price must be a non-negative wei amount")
	}

	txCtx, cancel := uc.txContext(ctx)
	defer cancel()

	return uc.marketGateway.Buy(txCtx, sender, itemId, priceWei)
}

func (uc *marketUsecase) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	return uc.marketGateway.VerifyTransaction(ctx, txHash)
}
