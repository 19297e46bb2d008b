package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	xerrors "AuctionMesh/internal/errors"
)

const (
	bidWriteWait  = 10 * time.Second
	bidPongWait   = 60 * time.Second
	bidPingPeriod = bidPongWait * 9 / 10
)

// handleBidStream 通过 WebSocket 推送某场拍卖的实时出价。
func (s *Server) handleBidStream(w http.ResponseWriter, r *http.Request) {
	if s.bids == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "当前账本不支持出价订阅"))
		return
	}
	auctionID := strings.TrimSpace(r.PathValue("id"))
	if auctionID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少拍卖 ID"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 先订阅再升级，未知拍卖可以返回普通的 HTTP 错误。
	sub, err := s.bids.SubscribeBids(ctx, auctionID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", slog.Any("error", err), slog.String("auction_id", auctionID))
		return
	}
	defer conn.Close()

	// 读协程只负责处理 pong 与关闭帧。
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(bidPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(bidPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	errs := sub.Err()
	ticker := time.NewTicker(bidPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(bidWriteWait))
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				s.logger.Warn("出价订阅中断", slog.Any("error", err), slog.String("auction_id", auctionID))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
					time.Now().Add(bidWriteWait))
				return
			}
		case bid, ok := <-sub.Bids():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(bidWriteWait))
			if err := conn.WriteJSON(bid); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(bidWriteWait)); err != nil {
				return
			}
		}
	}
}
