package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to the backend
	// connection to complete.
	writeWait = 3 * time.Second

	// pingPeriod is the interval for keep-alive pings.
	pingPeriod = 30 * time.Second

	// pongWait is the maximum time to wait for a pong before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// ntfnBuffSize is the buffer size of the notification channel.
	ntfnBuffSize = 128
)

// ErrClientShutdown describes a call made on a stopped client.
var ErrClientShutdown = errors.New("engine client shut down")

// WSConfig is the configuration for a websocket backend client.
type WSConfig struct {
	// Host is the backend node address, e.g. "127.0.0.1:9156".
	Host string

	// Path is the websocket endpoint path.
	Path string
}

// wsMessage is the wire frame exchanged with the backend.  Requests carry an
// id and method; responses echo the id; notifications carry a method with no
// id.
type wsMessage struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// WSClient is a Backend implementation speaking JSON over a websocket to a
// remote proving/indexing node.  Responses are matched to requests by id;
// scan and balance notifications are converted to typed values and fanned in
// on the notification channel.
type WSClient struct {
	cfg   WSConfig
	reqID uint64
	wsMtx sync.Mutex
	ws    *websocket.Conn
	ntfns chan interface{}
	quit  chan struct{}
	wg    sync.WaitGroup

	quitOnce sync.Once

	respMtx   sync.Mutex
	responses map[uint64]chan *wsMessage

	progressMtx sync.Mutex
	progress    map[uint64]ProgressFunc
}

// NewWSClient creates a websocket backend client for the given
// configuration.  Start must be called before use.
func NewWSClient(cfg WSConfig) *WSClient {
	return &WSClient{
		cfg:       cfg,
		ntfns:     make(chan interface{}, ntfnBuffSize),
		quit:      make(chan struct{}),
		responses: make(map[uint64]chan *wsMessage),
		progress:  make(map[uint64]ProgressFunc),
	}
}

// Start dials the backend and begins the read and keep-alive loops.
func (c *WSClient) Start() error {
	u := url.URL{Scheme: "ws", Host: c.cfg.Host, Path: c.cfg.Path}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial backend at %s: %v", u.String(), err)
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.wsMtx.Lock()
	c.ws = ws
	c.wsMtx.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.keepAlive()

	c.notify(ClientConnected{})
	log.Infof("Connected to proving backend at %s", c.cfg.Host)
	return nil
}

// Stop shuts the client down.  Pending calls fail with ErrClientShutdown.
// Calling Stop more than once is a no-op after the first call.
func (c *WSClient) Stop() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	c.wsMtx.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.wsMtx.Unlock()
}

// WaitForShutdown blocks until the client's goroutines have exited.
func (c *WSClient) WaitForShutdown() {
	c.wg.Wait()
}

// Notifications returns the channel typed backend events are delivered on.
func (c *WSClient) Notifications() <-chan interface{} {
	return c.ntfns
}

func (c *WSClient) notify(n interface{}) {
	select {
	case c.ntfns <- n:
	default:
		log.Warnf("Notification channel full, dropping %T", n)
	}
}

// nextID returns the next unique request id.
func (c *WSClient) nextID() uint64 {
	return atomic.AddUint64(&c.reqID, 1)
}

func (c *WSClient) write(msg *wsMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wsMtx.Lock()
	defer c.wsMtx.Unlock()
	if c.ws == nil {
		return ErrClientShutdown
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// call issues one request and unmarshals the backend's result into result,
// which may be nil when the caller only cares about success.
func (c *WSClient) call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := c.nextID()
	respChan := make(chan *wsMessage, 1)
	c.respMtx.Lock()
	c.responses[id] = respChan
	c.respMtx.Unlock()
	defer func() {
		c.respMtx.Lock()
		delete(c.responses, id)
		c.respMtx.Unlock()
	}()

	err = c.write(&wsMessage{ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClientShutdown
	}
}

// readLoop decodes incoming frames, routing responses to their waiting
// callers and notifications to the notification channel.
func (c *WSClient) readLoop() {
	defer c.wg.Done()
	for {
		c.wsMtx.Lock()
		ws := c.ws
		c.wsMtx.Unlock()

		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Errorf("Backend read error: %v", err)
			}
			return
		}

		msg := new(wsMessage)
		if err := json.Unmarshal(raw, msg); err != nil {
			log.Errorf("Failed to decode backend message: %v", err)
			continue
		}

		if msg.Method != "" {
			c.handleNotification(msg)
			continue
		}

		c.respMtx.Lock()
		respChan, ok := c.responses[msg.ID]
		c.respMtx.Unlock()
		if !ok {
			log.Warnf("Response for unknown request id %d", msg.ID)
			continue
		}
		respChan <- msg
	}
}

// keepAlive pings the backend on a fixed interval.
func (c *WSClient) keepAlive() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.wsMtx.Lock()
			ws := c.ws
			if ws != nil {
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Errorf("Ping error: %v", err)
				}
			}
			c.wsMtx.Unlock()
		case <-c.quit:
			return
		}
	}
}

// Notification payloads.
type scanUpdateNtfn struct {
	Progress float64 `json:"progress"`
	Status   string  `json:"scanStatus"`
}

type balancesNtfn struct {
	WalletID string `json:"railgunWalletID"`
	Bucket   string `json:"balanceBucket"`
	ERC20s   []struct {
		TokenAddress string `json:"tokenAddress"`
		Amount       string `json:"amount"`
	} `json:"erc20Amounts"`
}

type proofProgressNtfn struct {
	RequestID uint64  `json:"requestId"`
	Progress  float64 `json:"progress"`
}

func (c *WSClient) handleNotification(msg *wsMessage) {
	switch msg.Method {
	case "utxoScanUpdate":
		var n scanUpdateNtfn
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			log.Errorf("Bad utxoScanUpdate payload: %v", err)
			return
		}
		c.notify(UTXOScanUpdate{Progress: n.Progress, Status: n.Status})

	case "txidScanUpdate":
		var n scanUpdateNtfn
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			log.Errorf("Bad txidScanUpdate payload: %v", err)
			return
		}
		c.notify(TXIDScanUpdate{Progress: n.Progress, Status: n.Status})

	case "balancesUpdated":
		var n balancesNtfn
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			log.Errorf("Bad balancesUpdated payload: %v", err)
			return
		}
		ev := BalancesUpdated{
			WalletID: n.WalletID,
			Bucket:   BalanceBucket(n.Bucket),
		}
		for _, e := range n.ERC20s {
			amt, ok := new(big.Int).SetString(e.Amount, 10)
			if !ok {
				log.Errorf("Bad balance amount %q for token %s", e.Amount, e.TokenAddress)
				continue
			}
			ev.ERC20Amounts = append(ev.ERC20Amounts, ERC20Amount{
				TokenAddress: e.TokenAddress,
				Amount:       amt,
			})
		}
		c.notify(ev)

	case "proofProgress":
		var n proofProgressNtfn
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			log.Errorf("Bad proofProgress payload: %v", err)
			return
		}
		c.progressMtx.Lock()
		progress := c.progress[n.RequestID]
		c.progressMtx.Unlock()
		if progress != nil {
			progress(n.Progress)
		}

	default:
		log.Warnf("Unknown backend notification %q", msg.Method)
	}
}

// JSON shapes shared by requests.
type erc20RecipientJSON struct {
	TokenAddress string `json:"tokenAddress"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipientAddress"`
}

func recipientsJSON(recipients []ERC20Recipient) []erc20RecipientJSON {
	out := make([]erc20RecipientJSON, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, erc20RecipientJSON{
			TokenAddress: r.TokenAddress,
			Amount:       r.Amount.String(),
			Recipient:    r.Recipient,
		})
	}
	return out
}

type gasDetailsJSON struct {
	Type                 uint8  `json:"evmGasType"`
	GasEstimate          uint64 `json:"gasEstimate"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

func gasJSON(g *GasDetails) *gasDetailsJSON {
	if g == nil {
		return nil
	}
	out := &gasDetailsJSON{Type: uint8(g.Type), GasEstimate: g.GasEstimate}
	if g.GasPrice != nil {
		out.GasPrice = g.GasPrice.String()
	}
	if g.MaxFeePerGas != nil {
		out.MaxFeePerGas = g.MaxFeePerGas.String()
	}
	if g.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = g.MaxPriorityFeePerGas.String()
	}
	return out
}

// NetworkParams fetches the backend's network description.
func (c *WSClient) NetworkParams(ctx context.Context) (*NetworkParams, error) {
	var res struct {
		Name             string `json:"name"`
		ProxyContract    string `json:"proxyContract"`
		DeploymentHeight uint64 `json:"deploymentBlock"`
	}
	if err := c.call(ctx, "network_params", nil, &res); err != nil {
		return nil, err
	}
	return &NetworkParams{
		Name:             res.Name,
		ProxyContract:    res.ProxyContract,
		DeploymentHeight: res.DeploymentHeight,
	}, nil
}

type walletInfoJSON struct {
	ID              string `json:"id"`
	ShieldedAddress string `json:"railgunAddress"`
}

// CreateWallet creates a new shielded wallet on the backend.
func (c *WSClient) CreateWallet(ctx context.Context, key []byte, mnemonic string,
	creationHeights map[string]uint64) (*WalletInfo, error) {

	params := struct {
		Key             string            `json:"encryptionKey"`
		Mnemonic        string            `json:"mnemonic"`
		CreationHeights map[string]uint64 `json:"creationBlockNumbers"`
	}{hex.EncodeToString(key), mnemonic, creationHeights}

	var res walletInfoJSON
	if err := c.call(ctx, "wallet_create", params, &res); err != nil {
		return nil, err
	}
	return &WalletInfo{ID: res.ID, ShieldedAddress: res.ShieldedAddress}, nil
}

// LoadWallet loads an existing shielded wallet by id.
func (c *WSClient) LoadWallet(ctx context.Context, key []byte, walletID string) (*WalletInfo, error) {
	params := struct {
		Key      string `json:"encryptionKey"`
		WalletID string `json:"walletID"`
	}{hex.EncodeToString(key), walletID}

	var res walletInfoJSON
	if err := c.call(ctx, "wallet_load", params, &res); err != nil {
		return nil, err
	}
	return &WalletInfo{ID: res.ID, ShieldedAddress: res.ShieldedAddress}, nil
}

// ShareableViewingKey exports the wallet's read-only viewing key.
func (c *WSClient) ShareableViewingKey(ctx context.Context, walletID string) (string, error) {
	params := struct {
		WalletID string `json:"walletID"`
	}{walletID}
	var res struct {
		ViewingKey string `json:"shareableViewingKey"`
	}
	if err := c.call(ctx, "wallet_viewingKey", params, &res); err != nil {
		return "", err
	}
	return res.ViewingKey, nil
}

// EstimateGas requests a gas estimate for an unproven operation.
func (c *WSClient) EstimateGas(ctx context.Context, kind OperationKind, walletID string,
	key []byte, recipients []ERC20Recipient, originalGas *GasDetails) (uint64, error) {

	params := struct {
		Kind       string               `json:"operation"`
		WalletID   string               `json:"walletID"`
		Key        string               `json:"encryptionKey"`
		Recipients []erc20RecipientJSON `json:"erc20AmountRecipients"`
		Gas        *gasDetailsJSON      `json:"originalGasDetails,omitempty"`
	}{kind.String(), walletID, hex.EncodeToString(key), recipientsJSON(recipients), gasJSON(originalGas)}

	var res struct {
		GasEstimate uint64 `json:"gasEstimate"`
	}
	if err := c.call(ctx, "gas_estimate", params, &res); err != nil {
		return 0, err
	}
	return res.GasEstimate, nil
}

// GenerateProof runs proof generation on the backend, relaying streamed
// progress notifications to the supplied callback.  The call blocks until
// the backend reports completion; no client-side timeout is applied.
func (c *WSClient) GenerateProof(ctx context.Context, kind OperationKind, walletID string,
	key []byte, recipients []ERC20Recipient, batchMinGasPrice *big.Int,
	progress ProgressFunc) error {

	// Progress notifications are correlated to the request id, so the
	// callback must be registered before the request is written.
	id := c.nextID()
	if progress != nil {
		c.progressMtx.Lock()
		c.progress[id] = progress
		c.progressMtx.Unlock()
		defer func() {
			c.progressMtx.Lock()
			delete(c.progress, id)
			c.progressMtx.Unlock()
		}()
	}

	params := struct {
		Kind             string               `json:"operation"`
		WalletID         string               `json:"walletID"`
		Key              string               `json:"encryptionKey"`
		Recipients       []erc20RecipientJSON `json:"erc20AmountRecipients"`
		BatchMinGasPrice string               `json:"overallBatchMinGasPrice"`
	}{kind.String(), walletID, hex.EncodeToString(key), recipientsJSON(recipients), batchMinGasPrice.String()}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	respChan := make(chan *wsMessage, 1)
	c.respMtx.Lock()
	c.responses[id] = respChan
	c.respMtx.Unlock()
	defer func() {
		c.respMtx.Lock()
		delete(c.responses, id)
		c.respMtx.Unlock()
	}()

	if err := c.write(&wsMessage{ID: id, Method: "proof_generate", Params: raw}); err != nil {
		return err
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClientShutdown
	}
}

// PopulateTransaction builds the signable transaction from proof artifacts.
func (c *WSClient) PopulateTransaction(ctx context.Context, kind OperationKind,
	walletID string, recipients []ERC20Recipient, batchMinGasPrice *big.Int,
	gas *GasDetails) (*PopulatedTransaction, error) {

	params := struct {
		Kind             string               `json:"operation"`
		WalletID         string               `json:"walletID"`
		Recipients       []erc20RecipientJSON `json:"erc20AmountRecipients"`
		BatchMinGasPrice string               `json:"overallBatchMinGasPrice"`
		Gas              *gasDetailsJSON      `json:"transactionGasDetails"`
	}{kind.String(), walletID, recipientsJSON(recipients), batchMinGasPrice.String(), gasJSON(gas)}

	var res struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
	}
	if err := c.call(ctx, "tx_populate", params, &res); err != nil {
		return nil, err
	}

	data, err := hex.DecodeString(trimHexPrefix(res.Data))
	if err != nil {
		return nil, fmt.Errorf("bad transaction data from backend: %v", err)
	}
	value := new(big.Int)
	if res.Value != "" {
		if _, ok := value.SetString(res.Value, 10); !ok {
			return nil, fmt.Errorf("bad transaction value %q from backend", res.Value)
		}
	}
	return &PopulatedTransaction{To: res.To, Data: data, Value: value, Gas: *gas}, nil
}

// RefreshBalances triggers one balance scan for the given wallets.
func (c *WSClient) RefreshBalances(ctx context.Context, walletIDs []string) error {
	params := struct {
		WalletIDs []string `json:"walletIDs"`
	}{walletIDs}
	return c.call(ctx, "balances_refresh", params, nil)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
