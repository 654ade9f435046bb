// Package data provides timestamped market/protocol data access with no
// forward bias.
package data

// Data kind naming: a kind is a snake_case identifier, optionally suffixed
// with the asset or venue it refers to, e.g. spot_price_btc,
// funding_rate_binance, aave_supply_index_weeth. Mode configs list their
// data_requirements with these names and the provider validates coverage at
// construction.
const (
	KindGasPrice = "gas_price"
)

// KindSpotPrice returns the spot price kind for an asset.
func KindSpotPrice(asset string) string { return "spot_price_" + asset }

// KindUSDPrice returns the USD oracle price kind for an asset.
func KindUSDPrice(asset string) string { return "usd_price_" + asset }

// KindFundingRate returns the 8-hour funding rate kind for a perp venue.
func KindFundingRate(venue string) string { return "funding_rate_" + venue }

// KindAaveSupplyIndex returns the supply liquidity index kind for an asset.
func KindAaveSupplyIndex(asset string) string { return "aave_supply_index_" + asset }

// KindAaveBorrowIndex returns the variable borrow index kind for an asset.
func KindAaveBorrowIndex(asset string) string { return "aave_borrow_index_" + asset }

// KindLSTOracle returns the LST/ETH oracle rate kind for an LST.
func KindLSTOracle(lst string) string { return "lst_oracle_" + lst }

// KindLSTDistribution returns the discrete reward distribution kind for an
// LST.
func KindLSTDistribution(lst string) string { return "lst_distribution_" + lst }
