package constants

import "time"

const (
	FacilitatorTimeout    = 30 * time.Second // timeout for facilitator
	HealthCheckTimeout    = 5 * time.Second  // timeout for facilitator health probe
	TLSHandshakeTimeout   = 10 * time.Second // timeout for TLS handshake
	ResponseHeaderTimeout = 20 * time.Second // timeout for response header
	ExpectContinueTimeout = 1 * time.Second  // timeout for expect continue
	SubmitTxTimeout       = 30 * time.Second // timeout for building and broadcasting a settlement tx
	DelayBetweenRPCCalls  = 200              // delay in milliseconds between RPC calls
	MaxResponseBodySize   = 10 * 1024 * 1024 // maximum response body size in bytes (10MB)
)

// x402 protocol
const (
	X402Version = 1

	HeaderPayment         = "x-payment"
	HeaderPaymentResponse = "x-payment-response"

	// Legacy header-based challenge hints read by the caller-side client.
	HeaderPaymentAddress   = "x-payment-address"
	HeaderPaymentAmount    = "x-payment-amount"
	HeaderPaymentToken     = "x-payment-token"
	HeaderPaymentNetwork   = "x-payment-network"
	HeaderPaymentRecipient = "x-payment-recipient"

	SchemeEIP3009     = "eip-3009"
	MimeTypeJSON      = "application/json"
	SettlePrefix      = "Settlement failed: "
	ReasonMalformed   = "malformed_token"
	ReasonUnreachable = "facilitator_unreachable"
)

// Configuration defaults
const (
	DefaultFacilitatorURL  = "http://localhost:3002"
	DefaultChallengeAmount = "1000000" // 1 USDC (6 decimals)
	DefaultChallengeAsset  = "USDC"
	DefaultNetwork         = NetworkCronosTestnet
	DefaultScheme          = SchemeEIP3009
	DefaultTimeoutSeconds  = 300
)

const (
	USDCDecimals = 6
)

// Network Types
const (
	NetworkCronos        = "cronos"
	NetworkCronosTestnet = "cronos-testnet"
	NetworkBase          = "base"
	NetworkBaseSepolia   = "base-sepolia"
	NetworkAvalanche     = "avalanche"
	NetworkAvalancheFuji = "avalanche-fuji"
	NetworkPolygon       = "polygon"
	NetworkPolygonAmoy   = "polygon-amoy"
)

const (
	USDCAddressCronos        = "0xc21223249CA28397B4B6541dfFaEcC539BfF0c59"
	USDCAddressCronosTestnet = "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0"
	USDCAddressBase          = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	USDCAddressBaseSepolia   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	USDCAddressAvalanche     = "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"
	USDCAddressAvalancheFuji = "0x5425890298aed601595a70AB815c96711a31Bc65"
	USDCAddressPolygon       = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	USDCAddressPolygonAmoy   = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
)

var NetworkToUSDCAddress = map[string]string{
	NetworkCronos:        USDCAddressCronos,
	NetworkCronosTestnet: USDCAddressCronosTestnet,
	NetworkBase:          USDCAddressBase,
	NetworkBaseSepolia:   USDCAddressBaseSepolia,
	NetworkAvalanche:     USDCAddressAvalanche,
	NetworkAvalancheFuji: USDCAddressAvalancheFuji,
	NetworkPolygon:       USDCAddressPolygon,
	NetworkPolygonAmoy:   USDCAddressPolygonAmoy,
}

// mapping from network name to numeric chain ID
var NetworkToChainID = map[string]int64{
	NetworkCronos:        25,
	NetworkCronosTestnet: 338,
	NetworkBase:          8453,
	NetworkBaseSepolia:   84532,
	NetworkAvalanche:     43114,
	NetworkAvalancheFuji: 43113,
	NetworkPolygon:       137,
	NetworkPolygonAmoy:   80002,
}

var USDCName = map[string]string{
	NetworkCronos:        "USD Coin",
	NetworkCronosTestnet: "USD Coin",
	NetworkBase:          "USD Coin",
	NetworkBaseSepolia:   "USDC",
	NetworkAvalanche:     "USD Coin",
	NetworkAvalancheFuji: "USD Coin",
	NetworkPolygon:       "USD Coin",
	NetworkPolygonAmoy:   "USDC",
}

var OfficialRPCEndpoints = map[string][]string{
	NetworkCronos:        {"https://evm.cronos.org"},
	NetworkCronosTestnet: {"https://evm-t3.cronos.org"},
	NetworkBase:          {"https://mainnet.base.org"},
	NetworkBaseSepolia:   {"https://sepolia.base.org"},
}
