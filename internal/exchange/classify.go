package exchange

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"zone-grid-bot-go/internal/models"
)

// binanceKind 将币安错误码映射到统一的错误分类
func binanceKind(code int64, msg string) error {
	switch code {
	case -2014, -2015, -1022, -2008:
		return models.ErrAuth
	case -1003, -1015:
		return models.ErrRateLimit
	case -1121:
		return models.ErrInvalidSymbol
	case -2011, -2013:
		return models.ErrOrderNotFound
	case -1013:
		return models.ErrBelowMinimumSize
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"):
		return models.ErrInsufficientBalance
	case strings.Contains(lower, "notional"), strings.Contains(lower, "lot_size"):
		return models.ErrBelowMinimumSize
	}
	return models.ErrExchange
}

// bitkubKind 将Bitkub错误码映射到统一的错误分类
func bitkubKind(code int64) error {
	switch code {
	case 3, 4, 5, 6, 9, 52:
		return models.ErrAuth
	case 11:
		return models.ErrInvalidSymbol
	case 15:
		return models.ErrBelowMinimumSize
	case 18:
		return models.ErrInsufficientBalance
	case 21:
		return models.ErrOrderNotFound
	}
	return models.ErrExchange
}

// httpStatusKind 没有可解析的业务错误码时按HTTP状态分类
func httpStatusKind(status int) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return models.ErrRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrAuth
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return models.ErrNetworkTimeout
	}
	return models.ErrExchange
}

// classifyTransport 处理未到达交易所业务层的错误
func classifyTransport(exchangeID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var exErr *models.ExchangeError
	if errors.As(err, &exErr) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &models.ExchangeError{Kind: models.ErrNetworkTimeout, Exchange: exchangeID, Message: err.Error()}
	}
	return &models.ExchangeError{Kind: models.ErrExchange, Exchange: exchangeID, Message: err.Error()}
}
