package model

import (
	"errors"
	"fmt"
	"strings"
)

// 状態変更系の共通センチネル
var (
	// ErrReverted はチェーン上で実行が巻き戻されたことを示す
	// 台帳の状態は一切変化していない（all-or-nothing）
	ErrReverted = errors.New("transaction reverted on chain")

	// ErrEventNotFound は確定済みレシートに期待したイベントが含まれていないことを示す
	// イベントがデコードできない限り、生成されたIDを成功として報告してはならない
	ErrEventNotFound = errors.New("expected event not found in receipt")
)

// InterfaceLoadError はABI記述子の読み込み・解析の失敗
type InterfaceLoadError struct {
	Path  string
	Cause error
}

func (e *InterfaceLoadError) Error() string {
	return fmt.Sprintf("failed to load contract interface %s: %v", e.Path, e.Cause)
}

func (e *InterfaceLoadError) Unwrap() error { return e.Cause }

// InvalidAddressError はアドレスの形式検証の失敗
type InvalidAddressError struct {
	Address string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid blockchain address: %q", e.Address)
}

// MintError はトークンのミント失敗
// ガス欠・revert・通信エラーいずれの場合もトークンは作成されていない
type MintError struct {
	Cause error
}

func (e *MintError) Error() string { return fmt.Sprintf("mint failed: %v", e.Cause) }

func (e *MintError) Unwrap() error { return e.Cause }

// TokenNotFoundError はミントされていないトークンIDの参照
type TokenNotFoundError struct {
	TokenId uint64
	Cause   error
}

func (e *TokenNotFoundError) Error() string {
	return fmt.Sprintf("token %d not found: %v", e.TokenId, e.Cause)
}

func (e *TokenNotFoundError) Unwrap() error { return e.Cause }

// ListingCreationError は出品の作成失敗（手数料不一致、権限なし、通信エラーなど）
type ListingCreationError struct {
	Cause error
}

func (e *ListingCreationError) Error() string {
	return fmt.Sprintf("listing creation failed: %v", e.Cause)
}

func (e *ListingCreationError) Unwrap() error { return e.Cause }

// PurchaseError は購入の失敗（売却済み、価格不一致、通信エラーなど）
// revertした購入は台帳の状態を一切変更しない
type PurchaseError struct {
	ItemId uint64
	Cause  error
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("purchase of item %d failed: %v", e.ItemId, e.Cause)
}

func (e *PurchaseError) Unwrap() error { return e.Cause }

// UploadError はピンニングサービスへのアップロード失敗
// リトライは行わない（1回失敗したら即座に呼び出し側へ伝播）
type UploadError struct {
	Cause error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload failed: %v", e.Cause) }

func (e *UploadError) Unwrap() error { return e.Cause }

// TransportError はRPC・HTTPレイヤーの通信失敗（タイムアウト含む）
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IsRevert はノードが返したエラーがEVMのrevert由来かどうかを判定する
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
