package binance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"algotrader/exchange"
	"algotrader/model"
)

func (a *Adapter) MapBalances(ctx context.Context, account string) (map[string]map[string]model.Balance, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	var wire struct {
		Balances []struct {
			Asset     string `json:"asset"`
			Free      string `json:"free"`
			Locked    string `json:"locked"`
			Borrowed  string `json:"borrowed"`
			Interest  string `json:"interest"`
		} `json:"balances"`
	}
	resp, err := a.signedRequest(ctx, "GET", "/api/v3/account", nil).
		SetQueryParam("account", account).SetResult(&wire).Get("/api/v3/account")
	if err != nil || resp.IsError() {
		return nil, &model.ExchangeException{Op: "map_balances", Err: err}
	}
	out := map[string]map[string]model.Balance{
		account: make(map[string]model.Balance, len(wire.Balances)),
	}
	for _, b := range wire.Balances {
		out[account][b.Asset] = model.Balance{
			Available: mustDecimal(b.Free),
			Hold:      mustDecimal(b.Locked),
			Borrowed:  mustDecimal(b.Borrowed),
			Interest:  mustDecimal(b.Interest),
		}
	}
	return out, nil
}

func (a *Adapter) ConnectStreamBalances(ctx context.Context, account string) (<-chan map[string]model.Balance, error) {
	// balance deltas ride the same user-data feed as order updates; the
	// positioner re-polls MapBalances after a fill rather than consuming a
	// dedicated push here, so this returns a channel that closes immediately.
	out := make(chan map[string]model.Balance)
	close(out)
	return out, nil
}

func buildOrderPayload(req model.PlaceOrderRequest, clientID string) map[string]any {
	payload := map[string]any{
		"symbol":           string(req.Symbol),
		"side":             req.Side.String(),
		"type":             orderTypeWire(req.Type),
		"newClientOrderId": clientID,
		"timeInForce":      timeInForceWire(req.TimeInForce),
	}
	if req.Size != nil && !req.Size.IsZero() {
		payload["quantity"] = req.Size.String()
	}
	if req.Quote != nil && !req.Quote.IsZero() {
		payload["quoteOrderQty"] = req.Quote.String()
	}
	if req.Price != nil {
		payload["price"] = req.Price.String()
	}
	if req.Leverage > 0 {
		payload["leverage"] = req.Leverage
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	if req.Account != "" {
		payload["isIsolated"] = true
		payload["account"] = req.Account
	}
	return payload
}

func orderTypeWire(t model.OrderType) string {
	if t == model.Market {
		return "MARKET"
	}
	return "LIMIT"
}

func timeInForceWire(tif model.TimeInForce) string {
	switch tif {
	case model.IOC:
		return "IOC"
	case model.FOK:
		return "FOK"
	default:
		return "GTC"
	}
}

type wireFill struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
	Quote string `json:"quoteQty"`
	Fee   string `json:"commission"`
	Asset string `json:"commissionAsset"`
}

type wireOrderResult struct {
	Status          string     `json:"status"`
	Fills           []wireFill `json:"fills"`
	ExecutedQty     string     `json:"executedQty"`
	CumulativeQuote string     `json:"cummulativeQuoteQty"`
	TransactTime    int64      `json:"transactTime"`
}

func toOrderResult(wire wireOrderResult) model.OrderResult {
	fills := make([]model.Fill, 0, len(wire.Fills))
	for _, f := range wire.Fills {
		fills = append(fills, model.Fill{
			Price:    mustDecimal(f.Price),
			Size:     mustDecimal(f.Qty),
			Quote:    mustDecimal(f.Quote),
			Fee:      mustDecimal(f.Fee),
			FeeAsset: f.Asset,
		})
	}
	return model.OrderResult{
		Time:   model.Timestamp(wire.TransactTime),
		Status: toOrderStatus(wire.Status),
		Fills:  fills,
	}
}

func toOrderStatus(status string) model.OrderStatus {
	switch status {
	case "FILLED":
		return model.StatusFilled
	case "PARTIALLY_FILLED":
		return model.StatusPartiallyFilled
	case "CANCELED", "EXPIRED", "REJECTED":
		return model.StatusCanceled
	default:
		return model.StatusNew
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, req model.PlaceOrderRequest) (model.OrderResult, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return model.OrderResult{}, err
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = a.GenerateClientID()
	}
	payload := buildOrderPayload(req, clientID)
	body, _ := json.Marshal(payload)

	path := "/api/v3/order"
	if a.cfg.DryRun {
		// the venue's test endpoint validates the order without placing it
		path = "/api/v3/order/test"
	}
	var wire wireOrderResult
	resp, err := a.signedRequest(ctx, "POST", path, payload).
		SetBody(body).SetResult(&wire).Post(path)
	if err != nil {
		return model.OrderResult{}, &model.ExchangeException{Op: "place_order", Err: err}
	}
	if resp.StatusCode() == 400 {
		return model.OrderResult{}, &model.BadOrder{Reason: string(resp.Body())}
	}
	if resp.StatusCode() == 403 {
		return model.OrderResult{}, &model.InsufficientFunds{Op: "place_order"}
	}
	if resp.IsError() {
		return model.OrderResult{}, &model.UnexpectedExchangeResult{Detail: fmt.Sprintf("place_order: status %d", resp.StatusCode())}
	}
	return toOrderResult(wire), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, account string, symbol model.Symbol, clientID string) error {
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]any{"symbol": string(symbol), "origClientOrderId": clientID}
	resp, err := a.signedRequest(ctx, "DELETE", "/api/v3/order", payload).
		SetQueryParams(map[string]string{"symbol": string(symbol), "origClientOrderId": clientID}).
		Delete("/api/v3/order")
	if err != nil {
		return &model.ExchangeException{Op: "cancel_order", Err: err}
	}
	if resp.StatusCode() == 404 {
		return &model.OrderMissing{ClientID: clientID}
	}
	if resp.IsError() {
		return &model.UnexpectedExchangeResult{Detail: fmt.Sprintf("cancel_order: status %d", resp.StatusCode())}
	}
	return nil
}

func (a *Adapter) EditOrder(ctx context.Context, req model.EditOrderRequest) (model.OrderResult, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return model.OrderResult{}, err
	}
	payload := map[string]any{
		"symbol":            string(req.Symbol),
		"origClientOrderId": req.ClientID,
		"price":             req.Price.String(),
		"quantity":          req.Size.String(),
	}
	body, _ := json.Marshal(payload)
	var wire wireOrderResult
	resp, err := a.signedRequest(ctx, "PUT", "/api/v3/order", payload).
		SetBody(body).SetResult(&wire).Put("/api/v3/order")
	if err != nil {
		return model.OrderResult{}, &model.ExchangeException{Op: "edit_order", Err: err}
	}
	if resp.StatusCode() == 403 {
		// Capabilities().CanEditOrderAtomic is false for this venue: a rejected
		// edit still cancels the resting order. The limit broker treats this
		// as "cancel succeeded" and reconciles fills via the order stream.
		return model.OrderResult{}, &model.InsufficientFunds{Op: "edit_order"}
	}
	if resp.StatusCode() == 404 {
		return model.OrderResult{}, &model.OrderMissing{ClientID: req.ClientID}
	}
	if resp.IsError() {
		return model.OrderResult{}, &model.UnexpectedExchangeResult{Detail: fmt.Sprintf("edit_order: status %d", resp.StatusCode())}
	}
	return toOrderResult(wire), nil
}

func (a *Adapter) ConnectStreamOrders(ctx context.Context, account string, symbol model.Symbol) (<-chan model.OrderUpdate, error) {
	a.ensureFeeds(a.logger)
	go a.userFeed.Run(ctx)
	return a.userFeed.OrderEvents(), nil
}

func (a *Adapter) Transfer(ctx context.Context, asset string, amount decimal.Decimal, fromAccount, toAccount string) error {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]any{"asset": asset, "amount": amount.String(), "fromAccount": fromAccount, "toAccount": toAccount}
	body, _ := json.Marshal(payload)
	resp, err := a.signedRequest(ctx, "POST", "/sapi/v1/margin/transfer", payload).SetBody(body).Post("/sapi/v1/margin/transfer")
	if err != nil || resp.IsError() {
		return &model.ExchangeException{Op: "transfer", Err: err}
	}
	return nil
}

func (a *Adapter) Borrow(ctx context.Context, asset string, amount decimal.Decimal, account string) error {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]any{"asset": asset, "amount": amount.String(), "isIsolated": true, "symbol": account}
	body, _ := json.Marshal(payload)
	resp, err := a.signedRequest(ctx, "POST", "/sapi/v1/margin/loan", payload).SetBody(body).Post("/sapi/v1/margin/loan")
	if err != nil {
		return &model.ExchangeException{Op: "borrow", Err: err}
	}
	if resp.StatusCode() == 403 {
		return &model.InsufficientFunds{Op: "borrow"}
	}
	if resp.IsError() {
		return &model.UnexpectedExchangeResult{Detail: fmt.Sprintf("borrow: status %d", resp.StatusCode())}
	}
	return nil
}

func (a *Adapter) Repay(ctx context.Context, asset string, amount decimal.Decimal, account string) error {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]any{"asset": asset, "amount": amount.String(), "isIsolated": true, "symbol": account}
	body, _ := json.Marshal(payload)
	resp, err := a.signedRequest(ctx, "POST", "/sapi/v1/margin/repay", payload).SetBody(body).Post("/sapi/v1/margin/repay")
	if err != nil || resp.IsError() {
		return &model.ExchangeException{Op: "repay", Err: err}
	}
	return nil
}

func (a *Adapter) GetMaxBorrowable(ctx context.Context, symbol model.Symbol, asset string) (decimal.Decimal, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	var wire struct {
		Amount string `json:"amount"`
	}
	resp, err := a.signedRequest(ctx, "GET", "/sapi/v1/margin/maxBorrowable", nil).
		SetQueryParams(map[string]string{"asset": asset, "isolatedSymbol": string(symbol)}).
		SetResult(&wire).Get("/sapi/v1/margin/maxBorrowable")
	if err != nil || resp.IsError() {
		return decimal.Zero, &model.ExchangeException{Op: "get_max_borrowable", Err: err}
	}
	return mustDecimal(wire.Amount), nil
}

func (a *Adapter) CreateAccount(ctx context.Context, symbol model.Symbol) error {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]any{"base": symbol.Base(), "quote": symbol.Quote()}
	body, _ := json.Marshal(payload)
	resp, err := a.signedRequest(ctx, "POST", "/sapi/v1/margin/isolated/create", payload).SetBody(body).Post("/sapi/v1/margin/isolated/create")
	if err != nil || resp.IsError() {
		return &model.ExchangeException{Op: "create_account", Err: err}
	}
	return nil
}

func (a *Adapter) ListOpenAccounts(ctx context.Context) ([]string, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	var wire struct {
		Assets []struct {
			Symbol string `json:"symbol"`
		} `json:"assets"`
	}
	resp, err := a.signedRequest(ctx, "GET", "/sapi/v1/margin/isolated/account", nil).SetResult(&wire).Get("/sapi/v1/margin/isolated/account")
	if err != nil || resp.IsError() {
		return nil, &model.ExchangeException{Op: "list_open_accounts", Err: err}
	}
	out := make([]string, 0, len(wire.Assets))
	for _, a := range wire.Assets {
		out = append(out, a.Symbol)
	}
	return out, nil
}

func (a *Adapter) ListOpenMarginPositions(ctx context.Context, account string) ([]model.Symbol, error) {
	accounts, err := a.ListOpenAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Symbol, 0, len(accounts))
	for _, sym := range accounts {
		out = append(out, model.Symbol(sym))
	}
	return out, nil
}

var _ exchange.Adapter = (*Adapter)(nil)
