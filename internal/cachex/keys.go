package cachex

import "fmt"

// Centralized cache key patterns so every component names the same data
// the same way.

func KeyBalance(address string) string {
	return "balance:" + address
}

func KeyAccountByAddress(address string) string {
	return "account:address:" + address
}

func KeyTransaction(hash string) string {
	return "tx:hash:" + hash
}

func KeyPrice(pair string) string {
	return "price:" + pair
}

func KeyPriceHistory(pair, timeframe string) string {
	return fmt.Sprintf("price:history:%s:%s", pair, timeframe)
}

func KeyMarketStats(pair string) string {
	return "market:stats:" + pair
}

func KeySeenPayment(hash string) string {
	return "monitor:seen:" + hash
}

func KeyTransferLock(accountID int64) string {
	return fmt.Sprintf("lock:transfer:%d", accountID)
}
