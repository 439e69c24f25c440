package pinata

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blockhead-onchain/model"
)

// コンテンツアドレスのスキームタグ
const ipfsScheme = "ipfs://"

// Gateway はPinata（IPFSピンニングサービス）との連携を担当
type Gateway interface {
	// PinFile はバイナリをIPFSへピンし、ipfs:// 形式のURIを返す
	// リトライは行わない（1回失敗したら即座にUploadErrorを返す）
	PinFile(ctx context.Context, filename string, data []byte) (string, error)

	// PinJSON はJSONコンテンツをIPFSへピンし、ipfs:// 形式のURIを返す
	PinJSON(ctx context.Context, content interface{}) (string, error)

	// PinList はピン済みコンテンツのゲートウェイURL一覧を返す
	PinList(ctx context.Context) ([]string, error)

	// GatewayURL はipfs:// URIまたは素のハッシュをHTTPゲートウェイURLへ変換する
	GatewayURL(uri string) string
}

// PinataGateway はPinata HTTP APIとの連携実装
type PinataGateway struct {
	httpClient *http.Client
	apiBaseURL string
	gatewayURL string
	apiKey     string
	secretKey  string
}

func NewPinataGateway(apiBaseURL string, gatewayURL string, apiKey string, secretKey string) *PinataGateway {
	return &PinataGateway{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
	}
}

// pinResponse はpinFileToIPFS / pinJSONToIPFSの共通レスポンス
type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// PinFile はmultipartでファイルをアップロードする
func (g *PinataGateway) PinFile(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", &model.UploadError{Cause: err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &model.UploadError{Cause: err}
	}
	if err := writer.Close(); err != nil {
		return "", &model.UploadError{Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBaseURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", &model.UploadError{Cause: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	g.setAuthHeaders(req)

	hash, err := g.doPinRequest(req)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"filename":  filename,
		"size":      len(data),
		"ipfs_hash": hash,
	}).Info("File pinned to IPFS")

	return ipfsScheme + hash, nil
}

// PinJSON はpinataContentにコンテンツを包んでアップロードする
func (g *PinataGateway) PinJSON(ctx context.Context, content interface{}) (string, error) {
	payload := map[string]interface{}{
		"pinataOptions": map[string]interface{}{"cidVersion": 1},
		"pinataContent": content,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", &model.UploadError{Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBaseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(jsonData))
	if err != nil {
		return "", &model.UploadError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	g.setAuthHeaders(req)

	hash, err := g.doPinRequest(req)
	if err != nil {
		return "", err
	}

	logrus.WithField("ipfs_hash", hash).Info("JSON pinned to IPFS")
	return ipfsScheme + hash, nil
}

// pinListResponse は/data/pinListのレスポンス
type pinListResponse struct {
	Rows []struct {
		IpfsPinHash string `json:"ipfs_pin_hash"`
	} `json:"rows"`
}

// PinList はCIDv0（Qmで始まる）のピンだけをゲートウェイURLにして返す
func (g *PinataGateway) PinList(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBaseURL+"/data/pinList", nil)
	if err != nil {
		return nil, &model.UploadError{Cause: err}
	}
	g.setAuthHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &model.UploadError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &model.UploadError{Cause: errors.Errorf("pinata returned status %d", resp.StatusCode)}
	}

	var list pinListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &model.UploadError{Cause: err}
	}

	urls := make([]string, 0, len(list.Rows))
	for _, row := range list.Rows {
		if strings.HasPrefix(row.IpfsPinHash, "Qm") {
			urls = append(urls, g.GatewayURL(row.IpfsPinHash))
		}
	}
	return urls, nil
}

// GatewayURL は純粋な文字列変換（ネットワークアクセスなし）
func (g *PinataGateway) GatewayURL(uri string) string {
	if strings.HasPrefix(uri, ipfsScheme) {
		return g.gatewayURL + strings.TrimPrefix(uri, ipfsScheme)
	}
	return g.gatewayURL + uri
}

func (g *PinataGateway) setAuthHeaders(req *http.Request) {
	req.Header.Set("pinata_api_key", g.apiKey)
	req.Header.Set("pinata_secret_api_key", g.secretKey)
}

// doPinRequest はピン系エンドポイントの共通処理
func (g *PinataGateway) doPinRequest(req *http.Request) (string, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &model.UploadError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &model.UploadError{Cause: errors.Errorf("pinata returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var pinned pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return "", &model.UploadError{Cause: err}
	}
	if pinned.IpfsHash == "" {
		return "", &model.UploadError{Cause: errors.New("pinata response missing IpfsHash")}
	}
	return pinned.IpfsHash, nil
}
