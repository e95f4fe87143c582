package types

// Network represents a supported blockchain network
type Network string

const (
	// EVM Networks
	NetworkEthereum    Network = "ethereum"
	NetworkSepolia     Network = "sepolia" // testnet
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkLocal       Network = "anvil"        // local devnet

	// Solana Networks
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet

	// Cosmos Networks
	NetworkCosmosHub     Network = "cosmoshub-4"
	NetworkCosmosTestnet Network = "theta-testnet-001"
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM     ChainFamily = "evm"
	ChainSolana  ChainFamily = "solana"
	ChainCosmos  ChainFamily = "cosmos"
	ChainUnknown ChainFamily = ""
)

// Family returns the chain family of the network
func (n Network) Family() ChainFamily {
	switch {
	case n.IsEVM():
		return ChainEVM
	case n.IsSolana():
		return ChainSolana
	case n.IsCosmos():
		return ChainCosmos
	default:
		return ChainUnknown
	}
}

func (n Network) IsEVM() bool {
	switch n {
	case NetworkEthereum, NetworkSepolia, NetworkBase, NetworkBaseSepolia,
		NetworkPolygon, NetworkPolygonAmoy, NetworkLocal:
		return true
	}
	return false
}

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsCosmos() bool {
	return n == NetworkCosmosHub || n == NetworkCosmosTestnet
}

func (n Network) IsTestnet() bool {
	switch n {
	case NetworkSepolia, NetworkBaseSepolia, NetworkPolygonAmoy, NetworkLocal,
		NetworkSolanaDevnet, NetworkCosmosTestnet:
		return true
	}
	return false
}

func (n Network) String() string {
	return string(n)
}
