package nft

import (
	"context"
	"math/big"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blockhead-onchain/model"
)

// ミントの確定を示すイベント名（indexedな第1引数がトークンID）
const eventTokenCreated = "TokenCreated"

// Gateway はNFTコントラクト（トークン台帳）との連携を担当
type Gateway interface {
	// Mint はtokenURIを指すトークンを新規作成し、割り当てられたトークンIDを返す
	Mint(ctx context.Context, from string, tokenURI string) (uint64, error)

	// TokenURI はトークンIDからURIを解決する
	TokenURI(ctx context.Context, tokenId uint64) (string, error)

	// Address はNFTコントラクトのアドレスを返す
	Address() string
}

// contractHandle はロード済みコントラクトへの呼び出し面
type contractHandle interface {
	Call(ctx context.Context, from string, method string, args ...interface{}) ([]interface{}, error)
	Transact(ctx context.Context, from string, valueWei *big.Int, method string, args ...interface{}) (*model.TxReceipt, error)
	EventId(receipt *model.TxReceipt, eventName string) (uint64, error)
	Address() string
}

// NFTGateway はERC-721準拠のNFTコントラクトとの連携実装
type NFTGateway struct {
	contract contractHandle
}

func NewNFTGateway(handle contractHandle) *NFTGateway {
	return &NFTGateway{contract: handle}
}

func (g *NFTGateway) Address() string {
	return g.contract.Address()
}

// Mint はcreateTokenトランザクションを送信し、確定までブロックする
//
// 確定レシートのTokenCreatedイベントから新しいトークンIDを取り出す。
// イベントがデコードできなければトークンは作成されなかったものとして扱う。
func (g *NFTGateway) Mint(ctx context.Context, from string, tokenURI string) (uint64, error) {
	receipt, err := g.contract.Transact(ctx, from, nil, "createToken", tokenURI)
	if err != nil {
		return 0, &model.MintError{Cause: err}
	}

	tokenId, err := g.contract.EventId(receipt, eventTokenCreated)
	if err != nil {
		return 0, &model.MintError{Cause: err}
	}

	logrus.WithFields(logrus.Fields{
		"token_id":  tokenId,
		"token_uri": tokenURI,
		"tx_hash":   receipt.TxHash,
	}).Info("Token minted")

	return tokenId, nil
}

// TokenURI はtokenURI(uint256)を読み取り専用で呼び出す
func (g *NFTGateway) TokenURI(ctx context.Context, tokenId uint64) (string, error) {
	results, err := g.contract.Call(ctx, "", "tokenURI", new(big.Int).SetUint64(tokenId))
	if err != nil {
		// 未ミントのIDに対してはコントラクトがrevertする
		if model.IsRevert(err) {
			return "", &model.TokenNotFoundError{TokenId: tokenId, Cause: err}
		}
		return "", err
	}

	if len(results) != 1 {
		return "", errors.Errorf("tokenURI: unexpected output arity %d", len(results))
	}
	uri, ok := results[0].(string)
	if !ok {
		return "", errors.Errorf("tokenURI: unexpected output type %T", results[0])
	}
	return uri, nil
}
