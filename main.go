package main

import (
	"net/http"
	"time"

	contractGateway "blockhead-onchain/gateway/contract"
	marketGateway "blockhead-onchain/gateway/market"
	nftGateway "blockhead-onchain/gateway/nft"
	pinataGateway "blockhead-onchain/gateway/pinata"
	marketHandler "blockhead-onchain/handler/market"
	marketUsecase "blockhead-onchain/usecase/market"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	// --- 1. 設定の読み込み ---
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("IPFS_GATEWAY_URL", "https://gateway.pinata.cloud/ipfs/")
	viper.SetDefault("PINATA_API_URL", "https://api.pinata.cloud")
	viper.SetDefault("NFT_ABI_PATH", "./contracts/abi/nft_abi.json")
	viper.SetDefault("NFT_MARKET_ABI_PATH", "./contracts/abi/nft_marketplace_abi.json")
	viper.SetDefault("TX_CONFIRM_TIMEOUT_SEC", 120)
	viper.AutomaticEnv()

	providerURI := viper.GetString("WEB3_PROVIDER_URI")
	if providerURI == "" {
		logrus.Fatal("WEB3_PROVIDER_URI environment variable not set")
	}

	nftAddr := viper.GetString("NFT_CONTRACT_ADDRESS")
	if nftAddr == "" {
		logrus.Fatal("NFT_CONTRACT_ADDRESS environment variable not set")
	}

	marketAddr := viper.GetString("NFT_MARKET_CONTRACT_ADDRESS")
	if marketAddr == "" {
		logrus.Fatal("NFT_MARKET_CONTRACT_ADDRESS environment variable not set")
	}

	pinataAPIKey := viper.GetString("PINATA_API_KEY")
	pinataSecretKey := viper.GetString("PINATA_SECRET_API_KEY")
	if pinataAPIKey == "" || pinataSecretKey == "" {
		logrus.Warn("PINATA_API_KEY / PINATA_SECRET_API_KEY not set. Artwork uploads will fail.")
	}

	// --- 2. ethclientの初期化 ---
	client, err := ethclient.Dial(providerURI)
	if err != nil {
		logrus.Fatalf("Failed to connect to blockchain node: %v", err)
	}
	logrus.WithField("provider", providerURI).Info("Connected to blockchain node")

	// --- 3. コントラクトインターフェースのロード ---
	// ここではローカルの解析とバインドのみ（ネットワークアクセスなし）
	nftHandle, err := contractGateway.Load(viper.GetString("NFT_ABI_PATH"), nftAddr, client)
	if err != nil {
		logrus.Fatalf("Failed to load NFT contract interface: %v", err)
	}

	marketHandle, err := contractGateway.Load(viper.GetString("NFT_MARKET_ABI_PATH"), marketAddr, client)
	if err != nil {
		logrus.Fatalf("Failed to load marketplace contract interface: %v", err)
	}

	// --- 4. 依存性注入 ---
	nftGW := nftGateway.NewNFTGateway(nftHandle)
	marketGW, err := marketGateway.NewMarketGateway(marketHandle, nftAddr)
	if err != nil {
		logrus.Fatalf("Failed to initialize market gateway: %v", err)
	}

	pinGW := pinataGateway.NewPinataGateway(
		viper.GetString("PINATA_API_URL"),
		viper.GetString("IPFS_GATEWAY_URL"),
		pinataAPIKey,
		pinataSecretKey,
	)

	node := contractGateway.NewNode(client)
	txTimeout := time.Duration(viper.GetInt("TX_CONFIRM_TIMEOUT_SEC")) * time.Second

	marketUC := marketUsecase.NewMarketUsecase(nftGW, marketGW, pinGW, node, txTimeout)
	marketHdlr := marketHandler.NewMarketHandler(marketUC)

	logrus.WithFields(logrus.Fields{
		"nft_contract":    nftAddr,
		"market_contract": marketAddr,
		"tx_timeout":      txTimeout,
	}).Info("Marketplace client initialized")

	// --- 5. ルーティングの設定 ---
	router := mux.NewRouter()

	// ヘルスチェック用エンドポイント
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Session API
	router.HandleFunc("/api/v1/accounts", marketHdlr.HandleAccounts).Methods("GET")
	router.HandleFunc("/api/v1/session/account", marketHdlr.HandleSelectAccount).Methods("POST")

	// Market API
	router.HandleFunc("/api/v1/market/listing-price", marketHdlr.HandleListingPrice).Methods("GET")
	router.HandleFunc("/api/v1/market/items", marketHdlr.HandleItemsForSale).Methods("GET")
	router.HandleFunc("/api/v1/market/list", marketHdlr.HandleListArtwork).Methods("POST")
	router.HandleFunc("/api/v1/market/buy", marketHdlr.HandleBuy).Methods("POST")
	router.HandleFunc("/api/v1/market/my/listed", marketHdlr.HandleMyListedItems).Methods("GET")
	router.HandleFunc("/api/v1/market/my/purchases", marketHdlr.HandleMyPurchases).Methods("GET")
	router.HandleFunc("/api/v1/market/verify-tx", marketHdlr.HandleVerifyTransaction).Methods("POST")

	// --- 6. CORSミドルウェアの設定 ---
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	corsHandler := c.Handler(router)

	// --- 7. サーバー起動 ---
	port := viper.GetString("PORT")
	logrus.Infof("Blockhead marketplace service starting on :%s", port)

	if err := http.ListenAndServe(":"+port, corsHandler); err != nil {
		logrus.Fatalf("could not start server: %v", err)
	}
}
