package contract

import (
	"bytes"
	"context"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blockhead-onchain/model"
)

// 状態変更トランザクションに付与する固定のガス上限
const txGasLimit = 1_000_000

// レシートのポーリング間隔
const receiptPollInterval = 500 * time.Millisecond

// Handle はデプロイ済みコントラクトへの不変なバインディング
//
// {アドレス, ABI, 接続} の組を保持し、生成後は一切変更されない。
// 呼び出しごとの可変状態を持たないため、読み取り系は複数ゴルーチンから
// 同じHandleを共有してよい。状態変更系の同時実行はトランスポート層の
// スレッド安全性に依存する。
type Handle struct {
	address common.Address
	abi     abi.ABI
	eth     *ethclient.Client
}

// Load はABI記述子ファイルを読み込み、アドレスへバインドしたHandleを返す
//
// ローカルの解析とバインドのみを行い、ネットワークアクセスは一切しない。
// アドレスはチェーン上の存在確認ではなく形式検証のみ。
func Load(abiPath string, contractAddr string, client *ethclient.Client) (*Handle, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, &model.InvalidAddressError{Address: contractAddr}
	}

	raw, err := os.ReadFile(abiPath)
	if err != nil {
		return nil, &model.InterfaceLoadError{Path: abiPath, Cause: err}
	}

	parsedABI, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &model.InterfaceLoadError{Path: abiPath, Cause: err}
	}

	address := common.HexToAddress(contractAddr)
	logrus.WithFields(logrus.Fields{
		"address":  address.Hex(),
		"abi_path": abiPath,
		"methods":  len(parsedABI.Methods),
		"events":   len(parsedABI.Events),
	}).Info("Contract interface loaded")

	return &Handle{
		address: address,
		abi:     parsedABI,
		eth:     client,
	}, nil
}

// Address はバインド先のコントラクトアドレスを返す
func (h *Handle) Address() string {
	return h.address.Hex()
}

// Call は読み取り専用のeth_callを実行し、出力引数をデコードして返す
//
// fetchItemsCreated / fetchMyNFTs のようにmsg.senderで絞り込むエントリポイント
// のために、from（省略可）をコールに載せる。
func (h *Handle) Call(ctx context.Context, from string, method string, args ...interface{}) ([]interface{}, error) {
	data, err := h.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	msg := ethereum.CallMsg{
		To:   &h.address,
		Data: data,
	}
	if from != "" {
		if !common.IsHexAddress(from) {
			return nil, &model.InvalidAddressError{Address: from}
		}
		msg.From = common.HexToAddress(from)
	}

	output, err := h.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, wrapNodeError("eth_call "+method, err)
	}

	results, err := h.abi.Unpack(method, output)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return results, nil
}

// sendTxArgs は eth_sendTransaction のパラメータ
// 署名はノード側が管理するアカウントで行う
type sendTxArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Gas   hexutil.Uint64  `json:"gas"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data"`
}

// Transact は状態変更トランザクションを送信し、確定までブロックする
//
// valueWei が正の場合はトランザクションに送金額として添付する。
// タイムアウトは ctx で呼び出し側が制御する。revertしたトランザクションは
// エラーとして返し、台帳の状態は「何も起きなかった」ものとして扱う。
func (h *Handle) Transact(ctx context.Context, from string, valueWei *big.Int, method string, args ...interface{}) (*model.TxReceipt, error) {
	if !common.IsHexAddress(from) {
		return nil, &model.InvalidAddressError{Address: from}
	}

	data, err := h.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	txArgs := sendTxArgs{
		From: common.HexToAddress(from),
		To:   &h.address,
		Gas:  hexutil.Uint64(txGasLimit),
		Data: data,
	}
	if valueWei != nil && valueWei.Sign() > 0 {
		txArgs.Value = (*hexutil.Big)(valueWei)
	}

	var txHash common.Hash
	if err := h.eth.Client().CallContext(ctx, &txHash, "eth_sendTransaction", txArgs); err != nil {
		return nil, wrapNodeError("eth_sendTransaction "+method, err)
	}

	logrus.WithFields(logrus.Fields{
		"method":  method,
		"from":    txArgs.From.Hex(),
		"tx_hash": txHash.Hex(),
	}).Info("Transaction submitted, waiting for confirmation")

	receipt, err := h.waitMined(ctx, txHash)
	if err != nil {
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errors.Wrapf(model.ErrReverted, "%s (tx: %s)", method, txHash.Hex())
	}

	decoded := h.decodeReceipt(receipt)
	logrus.WithFields(logrus.Fields{
		"method":   method,
		"tx_hash":  txHash.Hex(),
		"block":    decoded.BlockNumber,
		"gas_used": decoded.GasUsed,
		"events":   len(decoded.Events),
	}).Info("Transaction confirmed")

	return decoded, nil
}

// waitMined はレシートが取得できるまでポーリングする
func (h *Handle) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := h.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, &model.TransportError{Op: "eth_getTransactionReceipt", Cause: err}
		}

		select {
		case <-ctx.Done():
			return nil, &model.TransportError{Op: "wait for confirmation of " + txHash.Hex(), Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// decodeReceipt はレシートのログを既知のイベントへデコードする
//
// 別コントラクト由来のログとABIに定義のないイベントは読み飛ばす。
// indexedな最初のuint256引数（itemId / tokenId）をIdとして取り出す。
func (h *Handle) decodeReceipt(receipt *types.Receipt) *model.TxReceipt {
	decoded := &model.TxReceipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		Events:      []model.ReceiptEvent{},
	}

	for _, vLog := range receipt.Logs {
		if vLog.Address != h.address || len(vLog.Topics) == 0 {
			continue
		}
		event, err := h.abi.EventByID(vLog.Topics[0])
		if err != nil {
			logrus.WithField("topic", vLog.Topics[0].Hex()).Debug("Skipping log with unknown event signature")
			continue
		}

		var id uint64
		if len(vLog.Topics) >= 2 {
			id = new(big.Int).SetBytes(vLog.Topics[1].Bytes()).Uint64()
		}
		decoded.Events = append(decoded.Events, model.ReceiptEvent{Name: event.Name, Id: id})
	}

	return decoded
}

// EventId は確定済みレシートから指定イベントの生成済みIDを取り出す
//
// イベントが見つからない場合は model.ErrEventNotFound を返す。
// 呼び出し側はこのエラーを成功として扱ってはならない。
func (h *Handle) EventId(receipt *model.TxReceipt, eventName string) (uint64, error) {
	for _, event := range receipt.Events {
		if event.Name == eventName {
			return event.Id, nil
		}
	}
	return 0, errors.Wrapf(model.ErrEventNotFound, "event %s (tx: %s)", eventName, receipt.TxHash)
}

// VerifyTransaction はトランザクションハッシュから実行結果を検証する
func (h *Handle) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	txHashObj := common.HexToHash(txHash)
	if txHashObj.Big().Sign() == 0 {
		return nil, errors.New("invalid transaction hash format")
	}

	tx, isPending, err := h.eth.TransactionByHash(ctx, txHashObj)
	if err != nil {
		return nil, wrapNodeError("eth_getTransactionByHash", err)
	}

	if isPending {
		return &model.TxVerification{
			TxHash:  txHash,
			Status:  "pending",
			Success: false,
		}, nil
	}

	receipt, err := h.eth.TransactionReceipt(ctx, txHashObj)
	if err != nil {
		return nil, wrapNodeError("eth_getTransactionReceipt", err)
	}

	verification := &model.TxVerification{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}
	if verification.Success {
		verification.Status = "success"
	} else {
		verification.Status = "failed"
	}

	if tx.To() != nil && *tx.To() == h.address {
		verification.IsContractCall = true
	}

	return verification, nil
}

// wrapNodeError はノード由来のエラーを分類する
// revertは実行結果（台帳は巻き戻し済み）、それ以外は通信エラーとして扱う
func wrapNodeError(op string, err error) error {
	if model.IsRevert(err) {
		return errors.Wrap(err, op)
	}
	return &model.TransportError{Op: op, Cause: err}
}
