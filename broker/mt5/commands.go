package mt5

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SendCommand writes one command into a free slot of the rotating
// pool. The payload format is `<:id|COMMAND|arg,arg,...:>`. A slot is
// free when its file does not exist; the terminal deletes a file once
// it has consumed the command. The mutex covers the id increment, the
// slot search and the write, so concurrent senders can neither share
// an id nor race for the same slot.
func (c *Client) SendCommand(command string, content string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.commandID = (c.commandID + 1) % commandIDModulo
	payload := fmt.Sprintf("<:%d|%s|%s:>", c.commandID, command, content)

	deadline := time.Now().Add(c.cfg.CommandTimeout)
	for {
		for i := 0; i < c.cfg.CommandFiles; i++ {
			path := c.paths.commandsPrefix + strconv.Itoa(i) + ".txt"
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				continue // slot occupied or locked by the terminal
			}
			_, werr := f.WriteString(payload)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				c.tryRemoveFile(path)
				continue
			}
			return nil
		}
		if time.Now().After(deadline) {
			c.log.Warn("mt5: command pool full",
				zap.String("command", command),
				zap.Duration("timeout", c.cfg.CommandTimeout))
			return fmt.Errorf("mt5: no free command slot for %s within %s", command, c.cfg.CommandTimeout)
		}
		time.Sleep(c.cfg.PollInterval)
	}
}

// ResetCommandIDs resets the sequence counter on both sides and
// clears any stale command files left from a previous run.
func (c *Client) ResetCommandIDs() error {
	c.cmdMu.Lock()
	c.commandID = 0
	for i := 0; i < c.cfg.CommandFiles; i++ {
		c.tryRemoveFile(c.paths.commandsPrefix + strconv.Itoa(i) + ".txt")
	}
	c.cmdMu.Unlock()
	return c.SendCommand("RESET_COMMAND_IDS", "")
}

// SubscribeSymbols replaces the tick subscription set. The terminal
// only honors the full set, so shrinking means re-sending the
// remaining symbols.
func (c *Client) SubscribeSymbols(symbols []string) error {
	return c.SendCommand("SUBSCRIBE_SYMBOLS", strings.Join(symbols, ","))
}

// SubscribeSymbolsBarData replaces the bar subscription set; each
// entry is a (symbol, timeframe) pair.
func (c *Client) SubscribeSymbolsBarData(pairs [][2]string) error {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p[0]+","+p[1])
	}
	return c.SendCommand("SUBSCRIBE_SYMBOLS_BAR_DATA", strings.Join(parts, ","))
}

// GetHistoricData requests historic bars; the result arrives through
// Handler.OnHistoricData.
func (c *Client) GetHistoricData(symbol, timeframe string, start, end time.Time) error {
	content := fmt.Sprintf("%s,%s,%d,%d", symbol, timeframe, start.Unix(), end.Unix())
	return c.SendCommand("GET_HISTORIC_DATA", content)
}

// GetHistoricTrades requests the trade history going back the given
// number of days; the result arrives through Handler.OnHistoricTrades.
func (c *Client) GetHistoricTrades(lookbackDays int) error {
	return c.SendCommand("GET_HISTORIC_TRADES", strconv.Itoa(lookbackDays))
}

// OpenOrder submits an order. Zero price means market execution on
// the terminal side; sl/tp of zero mean unset.
func (c *Client) OpenOrder(symbol, orderType string, lots, price, stopLoss, takeProfit float64, magic int, comment string, expiration int64) error {
	content := fmt.Sprintf("%s,%s,%s,%s,%s,%s,%d,%s,%d",
		symbol, orderType,
		formatFloat(lots), formatFloat(price),
		formatFloat(stopLoss), formatFloat(takeProfit),
		magic, comment, expiration)
	return c.SendCommand("OPEN_ORDER", content)
}

// ModifyOrder updates price, sl, tp or expiration of an open order.
func (c *Client) ModifyOrder(ticket int64, price, stopLoss, takeProfit float64, expiration int64) error {
	content := fmt.Sprintf("%d,%s,%s,%s,%d",
		ticket, formatFloat(price), formatFloat(stopLoss), formatFloat(takeProfit), expiration)
	return c.SendCommand("MODIFY_ORDER", content)
}

// CloseOrder closes or deletes an order. Zero lots closes the full
// position.
func (c *Client) CloseOrder(ticket int64, lots float64) error {
	return c.SendCommand("CLOSE_ORDER", fmt.Sprintf("%d,%s", ticket, formatFloat(lots)))
}

// CloseAllOrders closes every open order and position.
func (c *Client) CloseAllOrders() error {
	return c.SendCommand("CLOSE_ALL_ORDERS", "")
}

// CloseOrdersBySymbol closes all orders for one symbol.
func (c *Client) CloseOrdersBySymbol(symbol string) error {
	return c.SendCommand("CLOSE_ORDERS_BY_SYMBOL", symbol)
}

// CloseOrdersByMagic closes all orders carrying the given magic.
func (c *Client) CloseOrdersByMagic(magic int) error {
	return c.SendCommand("CLOSE_ORDERS_BY_MAGIC", strconv.Itoa(magic))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
