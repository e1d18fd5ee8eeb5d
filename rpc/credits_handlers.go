package rpc

import (
	"net/http"

	"vismarket/native/credits"
	"vismarket/native/curve"
	"vismarket/observability"
)

type creditsQuoteParams struct {
	VisibilityID string `json:"visibilityId"`
	Amount       string `json:"amount"`
	Buyer        string `json:"buyer"`
	Referrer     string `json:"referrer,omitempty"`
}

type creditsTradeParams struct {
	Trader       string `json:"trader"`
	VisibilityID string `json:"visibilityId"`
	Amount       string `json:"amount"`
	Referrer     string `json:"referrer,omitempty"`
	Payment      string `json:"payment,omitempty"`
}

type creditsBalanceParams struct {
	VisibilityID string `json:"visibilityId"`
	Holder       string `json:"holder"`
}

type creditsVisibilityParams struct {
	VisibilityID string `json:"visibilityId"`
}

type creditsTransferParams struct {
	Caller       string `json:"caller"`
	VisibilityID string `json:"visibilityId"`
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
}

type creditsLinkCreatorParams struct {
	Caller       string `json:"caller"`
	VisibilityID string `json:"visibilityId"`
	Creator      string `json:"creator"`
}

type creditsLinkPartnerParams struct {
	Caller   string `json:"caller"`
	Referrer string `json:"referrer"`
	Partner  string `json:"partner"`
}

type creditsTreasuryParams struct {
	Caller   string `json:"caller"`
	Treasury string `json:"treasury"`
}

type feeBreakdownJSON struct {
	TradeCost   string `json:"tradeCost"`
	CreatorFee  string `json:"creatorFee"`
	ProtocolFee string `json:"protocolFee"`
	ReferrerFee string `json:"referrerFee"`
	PartnerFee  string `json:"partnerFee"`
	Referrer    string `json:"referrer,omitempty"`
	Partner     string `json:"partner,omitempty"`
}

type quoteResult struct {
	Fees  feeBreakdownJSON `json:"fees"`
	Total string           `json:"total"`
}

type visibilityJSON struct {
	ID                  string `json:"id"`
	Creator             string `json:"creator"`
	TotalSupply         string `json:"totalSupply"`
	ClaimableFeeBalance string `json:"claimableFeeBalance"`
}

func feeBreakdownToJSON(fees curve.FeeBreakdown) feeBreakdownJSON {
	out := feeBreakdownJSON{
		TradeCost:   fees.TradeCost.String(),
		CreatorFee:  fees.CreatorFee.String(),
		ProtocolFee: fees.ProtocolFee.String(),
		ReferrerFee: fees.ReferrerFee.String(),
		PartnerFee:  fees.PartnerFee.String(),
	}
	var zero [20]byte
	if fees.Referrer != zero {
		out.Referrer = formatAddress(fees.Referrer)
	}
	if fees.Partner != zero {
		out.Partner = formatAddress(fees.Partner)
	}
	return out
}

func visibilityToJSON(v *credits.Visibility) visibilityJSON {
	return visibilityJSON{
		ID:                  v.ID,
		Creator:             formatAddress(v.Creator),
		TotalSupply:         v.TotalSupply.String(),
		ClaimableFeeBalance: v.ClaimableFeeBalance.String(),
	}
}

func (s *Server) handleCreditsQuote(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsQuoteParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	referrer, err := parseAddress(params.Referrer)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	fees, total, err := s.credits.Quote(params.VisibilityID, amount, buyer, referrer)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, quoteResult{Fees: feeBreakdownToJSON(fees), Total: total.String()})
	return ""
}

func (s *Server) handleCreditsGetVisibility(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsVisibilityParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	vis, err := s.credits.VisibilityByID(params.VisibilityID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, visibilityToJSON(vis))
	return ""
}

func (s *Server) handleCreditsBalanceOf(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsBalanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	holder, err := parseAddress(params.Holder)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	balance, err := s.credits.BalanceOf(params.VisibilityID, holder)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
	return ""
}

func (s *Server) handleCreditsGetTreasury(w http.ResponseWriter, req *RPCRequest) string {
	treasury, err := s.credits.Treasury()
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]string{"treasury": formatAddress(treasury)})
	return ""
}

func (s *Server) handleCreditsBuy(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsTradeParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	trader, err := parseAddress(params.Trader)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	referrer, err := parseAddress(params.Referrer)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	payment, err := parseAmount(params.Payment)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	fees, err := s.credits.Buy(trader, params.VisibilityID, amount, referrer, payment)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	observability.Engines().RecordTrade("buy")
	writeResult(w, req.ID, map[string]interface{}{"fees": feeBreakdownToJSON(fees), "total": fees.TotalBuyCost().String()})
	return ""
}

func (s *Server) handleCreditsSell(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsTradeParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	trader, err := parseAddress(params.Trader)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	referrer, err := parseAddress(params.Referrer)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	fees, err := s.credits.Sell(trader, params.VisibilityID, amount, referrer)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	observability.Engines().RecordTrade("sell")
	writeResult(w, req.ID, map[string]interface{}{"fees": feeBreakdownToJSON(fees), "reimbursement": fees.SellReimbursement().String()})
	return ""
}

func (s *Server) handleCreditsClaimCreatorFee(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsVisibilityParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	claimed, err := s.credits.ClaimCreatorFee(params.VisibilityID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]string{"claimed": claimed.String()})
	return ""
}

func (s *Server) handleCreditsTransfer(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsTransferParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	from, err := parseAddress(params.From)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	to, err := parseAddress(params.To)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.credits.TransferCredits(caller, params.VisibilityID, from, to, amount); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return ""
}

func (s *Server) handleCreditsSetCreatorVisibility(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsLinkCreatorParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.credits.SetCreatorVisibility(caller, params.VisibilityID, creator); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return ""
}

func (s *Server) handleCreditsSetReferrerPartner(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsLinkPartnerParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	referrer, err := parseAddress(params.Referrer)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	partner, err := parseAddress(params.Partner)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.credits.SetReferrerPartner(caller, referrer, partner); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return ""
}

func (s *Server) handleCreditsUpdateTreasury(w http.ResponseWriter, req *RPCRequest) string {
	var params creditsTreasuryParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	treasury, err := parseAddress(params.Treasury)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.credits.UpdateTreasury(caller, treasury); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return ""
}
