package model

import "math/big"

// MarketItem はマーケットプレイス台帳の1エントリ（正規化済み）
//
// チェーン上のタプルは (tokenId, nftContract, itemId, seller, owner, price, sold)
// の順で返されるが、nftContract は呼び出し側へ返す前に必ず落とす。
// TokenURI と GatewayURL はクライアント側で後から解決する派生フィールド。
type MarketItem struct {
	TokenId    uint64   `json:"token_id"`  // NFTコントラクト上のトークンID
	ItemId     uint64   `json:"item_id"`   // マーケットプレイス上の出品ID (Blockhead Id)
	Minter     string   `json:"minter"`    // 出品者（ミント時の所有者）のアドレス
	Owner      string   `json:"owner"`     // 現在の所有者のアドレス（売却後は購入者）
	PriceWei   *big.Int `json:"price_wei"` // 販売価格 (Wei)
	Sold       bool     `json:"sold"`      // 売却済みフラグ
	TokenURI   string   `json:"token_uri,omitempty"`
	GatewayURL string   `json:"gateway_url,omitempty"`
}

// ListingResult は「アップロード→ミント→出品」一連の処理の結果
type ListingResult struct {
	TokenId    uint64 `json:"token_id"`
	ItemId     uint64 `json:"item_id"`
	TokenURI   string `json:"token_uri"`
	GatewayURL string `json:"gateway_url"`
}

// ReceiptEvent はレシートからデコード済みのコントラクトイベント
// Id は最初のindexed uint256引数（itemId / tokenId）
type ReceiptEvent struct {
	Name string `json:"name"`
	Id   uint64 `json:"id"`
}

// TxReceipt は確定済みトランザクションの結果
// 呼び出し側へ返すだけで、クライアント側では保持しない
type TxReceipt struct {
	TxHash      string         `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	GasUsed     uint64         `json:"gas_used"`
	Success     bool           `json:"success"`
	Events      []ReceiptEvent `json:"events"`
}

// TxVerification はトランザクション検証結果
type TxVerification struct {
	TxHash         string `json:"tx_hash"`
	Status         string `json:"status"` // "pending", "success", "failed"
	BlockNumber    uint64 `json:"block_number,omitempty"`
	GasUsed        uint64 `json:"gas_used,omitempty"`
	Success        bool   `json:"success"`
	IsContractCall bool   `json:"is_contract_call"`
}
