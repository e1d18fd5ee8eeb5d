package rpc

import (
	"net/http"

	"vismarket/native/services"
	"vismarket/observability"
)

type servicesCreateParams struct {
	Originator      string `json:"originator"`
	ServiceType     string `json:"serviceType"`
	VisibilityID    string `json:"visibilityId"`
	CreditsCost     string `json:"creditsCost,omitempty"`
	WeiCost         string `json:"weiCost,omitempty"`
	BuyBackSharePpm uint32 `json:"buyBackSharePpm,omitempty"`
}

type servicesRepriceParams struct {
	Caller    string `json:"caller"`
	ServiceID uint64 `json:"serviceId"`
	NewCost   string `json:"newCost"`
}

type servicesUpdateParams struct {
	Caller    string `json:"caller"`
	ServiceID uint64 `json:"serviceId"`
	Enabled   bool   `json:"enabled"`
}

type servicesShareParams struct {
	Caller    string `json:"caller"`
	ServiceID uint64 `json:"serviceId"`
	SharePpm  uint32 `json:"sharePpm"`
}

type servicesIDParams struct {
	ServiceID uint64 `json:"serviceId"`
}

type servicesRequestParams struct {
	Requester   string `json:"requester"`
	ServiceID   uint64 `json:"serviceId"`
	Payment     string `json:"payment,omitempty"`
	Information string `json:"information,omitempty"`
}

type servicesExecutionParams struct {
	Caller      string `json:"caller"`
	ServiceID   uint64 `json:"serviceId"`
	Index       uint64 `json:"index"`
	Information string `json:"information,omitempty"`
}

type servicesResolveParams struct {
	Caller       string `json:"caller"`
	ServiceID    uint64 `json:"serviceId"`
	Index        uint64 `json:"index"`
	ShouldRefund bool   `json:"shouldRefund"`
	Information  string `json:"information,omitempty"`
}

type servicesPoolParams struct {
	VisibilityID string `json:"visibilityId"`
}

type servicesBuyBackParams struct {
	Caller        string `json:"caller"`
	VisibilityID  string `json:"visibilityId"`
	CreditsAmount string `json:"creditsAmount"`
	MaxWeiAmount  string `json:"maxWeiAmount"`
}

type serviceJSON struct {
	ID                     uint64 `json:"id"`
	Enabled                bool   `json:"enabled"`
	ServiceType            string `json:"serviceType"`
	VisibilityID           string `json:"visibilityId"`
	PaymentType            string `json:"paymentType"`
	CreditsCostAmount      string `json:"creditsCostAmount"`
	WeiCostAmount          string `json:"weiCostAmount"`
	BuyBackCreditsSharePpm uint32 `json:"buyBackCreditsSharePpm"`
	Originator             string `json:"originator"`
	ExecutionsCount        uint64 `json:"executionsCount"`
	CreatedAt              uint64 `json:"createdAt"`
}

type executionJSON struct {
	ServiceID           uint64 `json:"serviceId"`
	Index               uint64 `json:"index"`
	State               string `json:"state"`
	Requester           string `json:"requester"`
	LastUpdateTimestamp uint64 `json:"lastUpdateTimestamp"`
}

func serviceToJSON(s *services.Service) serviceJSON {
	return serviceJSON{
		ID:                     s.ID,
		Enabled:                s.Enabled,
		ServiceType:            s.ServiceType,
		VisibilityID:           s.VisibilityID,
		PaymentType:            s.PaymentType.String(),
		CreditsCostAmount:      s.CreditsCostAmount.String(),
		WeiCostAmount:          s.WeiCostAmount.String(),
		BuyBackCreditsSharePpm: s.BuyBackCreditsSharePpm,
		Originator:             formatAddress(s.Originator),
		ExecutionsCount:        s.ExecutionsCount,
		CreatedAt:              s.CreatedAt,
	}
}

func executionToJSON(e *services.Execution) executionJSON {
	return executionJSON{
		ServiceID:           e.ServiceID,
		Index:               e.Index,
		State:               e.State.String(),
		Requester:           formatAddress(e.Requester),
		LastUpdateTimestamp: e.LastUpdateTimestamp,
	}
}

func (s *Server) handleServicesGet(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	service, err := s.services.ServiceByID(params.ServiceID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, serviceToJSON(service))
	return ""
}

func (s *Server) handleServicesGetExecution(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesExecutionParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	exec, err := s.services.ExecutionAt(params.ServiceID, params.Index)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, executionToJSON(exec))
	return ""
}

func (s *Server) handleServicesBuyBackPool(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesPoolParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	pool, err := s.services.BuyBackPool(params.VisibilityID)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]string{"balance": pool.String()})
	return ""
}

func (s *Server) handleServicesCreate(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	originator, err := parseAddress(params.Originator)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	creditsCost, err := parseAmount(params.CreditsCost)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	service, err := s.services.CreateService(originator, params.ServiceType, params.VisibilityID, creditsCost)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, serviceToJSON(service))
	return ""
}

func (s *Server) handleServicesCreateWithWei(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	originator, err := parseAddress(params.Originator)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	weiCost, err := parseAmount(params.WeiCost)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	service, err := s.services.CreateServiceWithWei(originator, params.ServiceType, params.VisibilityID, weiCost, params.BuyBackSharePpm)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, serviceToJSON(service))
	return ""
}

func (s *Server) handleServicesReprice(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesRepriceParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	newCost, err := parseAmount(params.NewCost)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	service, err := s.services.CreateAndUpdateFromService(caller, params.ServiceID, newCost)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, serviceToJSON(service))
	return ""
}

func (s *Server) handleServicesUpdate(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesUpdateParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.services.UpdateService(caller, params.ServiceID, params.Enabled); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return ""
}

func (s *Server) handleServicesUpdateBuyBackShare(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesShareParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.services.UpdateBuyBackCreditsShare(caller, params.ServiceID, params.SharePpm); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return ""
}

func (s *Server) handleServicesRequest(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesRequestParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	requester, err := parseAddress(params.Requester)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	payment, err := parseOptionalAmount(params.Payment)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	exec, err := s.services.RequestServiceExecution(requester, params.ServiceID, payment, params.Information)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	observability.Engines().RecordExecutionTransition(exec.State.String())
	writeResult(w, req.ID, executionToJSON(exec))
	return ""
}

// transition applies one caller-driven state change and reports the resulting
// execution.
func (s *Server) transition(w http.ResponseWriter, req *RPCRequest, apply func(caller [20]byte, serviceID, index uint64, information string) error) string {
	var params servicesExecutionParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := apply(caller, params.ServiceID, params.Index, params.Information); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	exec, err := s.services.ExecutionAt(params.ServiceID, params.Index)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	observability.Engines().RecordExecutionTransition(exec.State.String())
	writeResult(w, req.ID, executionToJSON(exec))
	return ""
}

func (s *Server) handleServicesAccept(w http.ResponseWriter, req *RPCRequest) string {
	return s.transition(w, req, s.services.AcceptServiceExecution)
}

func (s *Server) handleServicesCancel(w http.ResponseWriter, req *RPCRequest) string {
	return s.transition(w, req, s.services.CancelServiceExecution)
}

func (s *Server) handleServicesValidate(w http.ResponseWriter, req *RPCRequest) string {
	return s.transition(w, req, s.services.ValidateServiceExecution)
}

func (s *Server) handleServicesDispute(w http.ResponseWriter, req *RPCRequest) string {
	return s.transition(w, req, s.services.DisputeServiceExecution)
}

func (s *Server) handleServicesAddInformation(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesExecutionParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.services.AddInformationForServiceExecution(caller, params.ServiceID, params.Index, params.Information); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return ""
}

func (s *Server) handleServicesResolve(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesResolveParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	if err := s.services.ResolveServiceExecution(caller, params.ServiceID, params.Index, params.ShouldRefund, params.Information); err != nil {
		return writeEngineError(w, req.ID, err)
	}
	exec, err := s.services.ExecutionAt(params.ServiceID, params.Index)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	observability.Engines().RecordExecutionTransition(exec.State.String())
	writeResult(w, req.ID, executionToJSON(exec))
	return ""
}

func (s *Server) handleServicesBuyBack(w http.ResponseWriter, req *RPCRequest) string {
	var params servicesBuyBackParams
	if err := decodeSingleParam(req, &params); err != nil {
		return invalidParams(w, req.ID, err)
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	creditsAmount, err := parseAmount(params.CreditsAmount)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	maxWei, err := parseAmount(params.MaxWeiAmount)
	if err != nil {
		return invalidParams(w, req.ID, err)
	}
	spent, err := s.services.BuyBack(caller, params.VisibilityID, creditsAmount, maxWei)
	if err != nil {
		return writeEngineError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]string{"spent": spent.String()})
	return ""
}
