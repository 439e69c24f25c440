package contract

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"blockhead-onchain/model"
)

// Node は特定のコントラクトに依らないノードRPCへのアクセスを担当
type Node struct {
	eth *ethclient.Client
}

func NewNode(client *ethclient.Client) *Node {
	return &Node{eth: client}
}

// Accounts はノードが管理するアカウント一覧を返す
// セッションの送信元アドレスはこの一覧からユーザーが選択する
func (n *Node) Accounts(ctx context.Context) ([]string, error) {
	var accounts []common.Address
	if err := n.eth.Client().CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, &model.TransportError{Op: "eth_accounts", Cause: err}
	}

	result := make([]string, 0, len(accounts))
	for _, account := range accounts {
		result = append(result, account.Hex())
	}
	return result, nil
}
