package keyd

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

// Server wires the signer, policy engine, and ledger client behind the
// keyd HTTP surface, grounded on the original osmoda-keyd/src/api.rs
// handler set.
type Server struct {
	signer  *LocalKeyBackend
	policy  *Engine
	ledger  *ledgerclient.Client
}

// NewServer builds a Server from its dependencies.
func NewServer(signer *LocalKeyBackend, policy *Engine, ledger *ledgerclient.Client) *Server {
	return &Server{signer: signer, policy: policy, ledger: ledger}
}

// Router builds the mux.Router exposing the wallet/key HTTP API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggerMiddleware)
	r.HandleFunc("/wallet/create", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/wallet/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/wallet/sign", s.handleSign).Methods(http.MethodPost)
	r.HandleFunc("/wallet/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/wallet/build_tx", s.handleBuildTx).Methods(http.MethodPost)
	r.HandleFunc("/wallet/delete", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method": r.Method, "path": r.URL.Path, "elapsed": time.Since(start),
		}).Info("keyd request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createWalletRequest struct {
	Chain Chain  `json:"chain"`
	Label string `json:"label"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wallet, err := s.signer.CreateWallet(req.Chain, req.Label)
	if err != nil {
		logrus.WithError(err).Error("failed to create wallet")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.ledger.Append(r.Context(), "wallet.create", wallet.ID, walletReceipt(wallet.ID, "create", string(wallet.Chain), "", "", "allowed"), "wallet", string(wallet.Chain), "create")
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.signer.ListWallets())
}

type signRequest struct {
	WalletID string `json:"wallet_id"`
	Payload  string `json:"payload"` // hex-encoded
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chain, err := s.signer.WalletChain(req.WalletID)
	if err != nil {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}

	decision := s.policy.CheckSign()
	if !decision.Allowed {
		s.ledger.Append(r.Context(), "wallet.sign", req.WalletID, walletReceipt(req.WalletID, "sign", string(chain), "", "", "denied: "+decision.Reason))
		writeError(w, http.StatusForbidden, decision.Reason)
		return
	}

	message, err := hex.DecodeString(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hex payload")
		return
	}

	sig, err := s.signer.SignMessage(req.WalletID, message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign failed: "+err.Error())
		return
	}

	s.ledger.Append(r.Context(), "wallet.sign", req.WalletID, walletReceipt(req.WalletID, "sign", string(chain), "", "", "allowed"))
	writeJSON(w, http.StatusOK, map[string]string{
		"signature":       hex.EncodeToString(sig),
		"wallet_id":       req.WalletID,
		"policy_decision": "allowed",
	})
}

type sendRequest struct {
	WalletID string `json:"wallet_id"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chain, err := s.signer.WalletChain(req.WalletID)
	if err != nil {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}

	decision := s.policy.CheckSend(string(chain), req.Amount, req.To)
	if !decision.Allowed {
		s.ledger.Append(r.Context(), "wallet.send", req.WalletID, walletReceipt(req.WalletID, "send", string(chain), req.To, req.Amount, "denied: "+decision.Reason))
		writeError(w, http.StatusForbidden, decision.Reason)
		return
	}

	// keyd has no network access — sign the send intent for an external broadcaster.
	intent := "send:" + string(chain) + ":" + req.To + ":" + req.Amount
	sig, err := s.signer.SignMessage(req.WalletID, []byte(intent))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign failed: "+err.Error())
		return
	}

	s.ledger.Append(r.Context(), "wallet.send", req.WalletID, walletReceipt(req.WalletID, "send", string(chain), req.To, req.Amount, "allowed"))
	writeJSON(w, http.StatusOK, map[string]string{
		"signed_tx":       hex.EncodeToString(sig),
		"wallet_id":       req.WalletID,
		"policy_decision": "allowed",
		"note":            "keyd has no network access — signed tx returned for external broadcast",
	})
}

type buildTxRequest struct {
	WalletID    string                 `json:"wallet_id"`
	To          string                 `json:"to"`
	Amount      string                 `json:"amount"`
	ChainParams map[string]interface{} `json:"chain_params"`
}

func (s *Server) handleBuildTx(w http.ResponseWriter, r *http.Request) {
	var req buildTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chain, err := s.signer.WalletChain(req.WalletID)
	if err != nil {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}

	decision := s.policy.CheckSend(string(chain), req.Amount, req.To)
	if !decision.Allowed {
		s.ledger.Append(r.Context(), "wallet.build_tx", req.WalletID, walletReceipt(req.WalletID, "build_tx", string(chain), req.To, req.Amount, "denied: "+decision.Reason))
		writeError(w, http.StatusForbidden, decision.Reason)
		return
	}

	keyBytes, err := s.signer.LoadKeyBytes(req.WalletID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load key: "+err.Error())
		return
	}

	var resp map[string]interface{}
	switch chain {
	case ChainEthereum:
		params := DefaultEthTxParams()
		params.To = req.To
		params.Value = req.Amount
		if v, ok := req.ChainParams["chain_id"].(float64); ok {
			params.ChainID = uint64(v)
		}
		if v, ok := req.ChainParams["nonce"].(float64); ok {
			params.Nonce = uint64(v)
		}
		if v, ok := req.ChainParams["max_fee_per_gas"].(float64); ok {
			params.MaxFeePerGas = uint64(v)
		}
		if v, ok := req.ChainParams["max_priority_fee_per_gas"].(float64); ok {
			params.MaxPriorityFeePerGas = uint64(v)
		}
		if v, ok := req.ChainParams["gas_limit"].(float64); ok {
			params.GasLimit = uint64(v)
		}
		if v, ok := req.ChainParams["data"].(string); ok {
			params.Data = v
		}

		result, err := BuildAndSignEIP1559(keyBytes, params)
		if err != nil {
			writeError(w, http.StatusBadRequest, "eth tx build failed: "+err.Error())
			return
		}
		resp = map[string]interface{}{
			"signed_tx": result.SignedTx, "tx_hash": result.TxHash, "from": result.From,
			"to": result.To, "amount": result.Value, "chain": "ethereum", "policy_decision": "allowed",
		}
	case ChainSolana:
		blockhash, _ := req.ChainParams["recent_blockhash"].(string)
		if blockhash == "" {
			writeError(w, http.StatusBadRequest, "solana tx requires chain_params.recent_blockhash")
			return
		}
		lamports, err := strconv.ParseUint(req.Amount, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "amount must be integer lamports for solana")
			return
		}

		result, err := BuildAndSignTransfer(keyBytes, SolTxParams{To: req.To, Lamports: lamports, RecentBlockhash: blockhash})
		if err != nil {
			writeError(w, http.StatusBadRequest, "sol tx build failed: "+err.Error())
			return
		}
		resp = map[string]interface{}{
			"signed_tx": result.SignedTx, "tx_hash": result.Signature, "from": result.From,
			"to": result.To, "amount": result.Lamports, "chain": "solana", "policy_decision": "allowed",
		}
	default:
		writeError(w, http.StatusBadRequest, "unsupported chain")
		return
	}

	s.ledger.Append(r.Context(), "wallet.build_tx", req.WalletID, walletReceipt(req.WalletID, "build_tx", string(chain), req.To, req.Amount, "allowed"))
	writeJSON(w, http.StatusOK, resp)
}

type deleteWalletRequest struct {
	WalletID string `json:"wallet_id"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.signer.DeleteWallet(req.WalletID); err != nil {
		writeError(w, http.StatusNotFound, "delete failed: "+err.Error())
		return
	}
	s.ledger.Append(r.Context(), "wallet.delete", req.WalletID, walletReceipt(req.WalletID, "delete", "n/a", "", "", "allowed"))
	writeJSON(w, http.StatusOK, map[string]string{"deleted": req.WalletID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"wallet_count":  s.signer.WalletCount(),
		"policy_loaded": s.policy.IsLoaded(),
	})
}

// WalletReceipt is logged to the ledger for every wallet operation.
type WalletReceipt struct {
	WalletID       string `json:"wallet_id"`
	Action         string `json:"action"`
	Chain          string `json:"chain"`
	To             string `json:"to,omitempty"`
	Amount         string `json:"amount,omitempty"`
	PolicyDecision string `json:"policy_decision"`
	Timestamp      string `json:"timestamp"`
}

func walletReceipt(walletID, action, chain, to, amount, decision string) WalletReceipt {
	return WalletReceipt{
		WalletID: walletID, Action: action, Chain: chain, To: to, Amount: amount,
		PolicyDecision: decision, Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
