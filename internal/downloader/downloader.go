package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

const (
	klineInterval = "1m"
	klineLimit    = 1000 // 币安单次请求最多1000条
	closeColumn   = 4
)

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据，作为模拟盘的回放行情
type KlineDownloader struct {
	client *binance.Client
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建下载器。baseURL 为空时使用币安默认地址，公共接口不需要API Key。
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{client: client, pause: 200 * time.Millisecond, logger: logger}
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}
	if !startTime.Before(endTime) {
		return models.NewConfigError("sim.replay_from", "start %s is not before end %s", startTime.Format(time.DateOnly), endTime.Format(time.DateOnly))
	}
	base, quote, ok := models.ParsePair(symbol)
	if !ok {
		return models.NewConfigError("grid.symbol", "cannot parse %q", symbol)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}
	// 先写临时文件，下载中断时不会留下半截缓存
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	rows, err := d.write(ctx, csv.NewWriter(file), base+quote, startTime, endTime)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("rows", rows))
	return nil
}

func (d *KlineDownloader) write(ctx context.Context, writer *csv.Writer, symbol string, startTime, endTime time.Time) (int, error) {
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}
	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(klineInterval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(klineLimit).
			Do(ctx)
		if err != nil {
			return rows, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			rows++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t))
		if d.pause > 0 {
			select {
			case <-ctx.Done():
				return rows, ctx.Err()
			case <-time.After(d.pause):
			}
		}
	}
	writer.Flush()
	return rows, writer.Error()
}

// LoadCloses 读取K线CSV中的收盘价序列，跳过无法解析的行
func LoadCloses(filePath string) ([]float64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	var closes []float64
	first := true
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", filePath, err)
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == header[0] {
				continue
			}
		}
		if len(record) <= closeColumn {
			continue
		}
		price, err := strconv.ParseFloat(record[closeColumn], 64)
		if err != nil || price <= 0 {
			continue
		}
		closes = append(closes, price)
	}
	if len(closes) == 0 {
		return nil, fmt.Errorf("%s 中没有可用的价格", filePath)
	}
	return closes, nil
}
