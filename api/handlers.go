package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/finbask/finbask/pkg/errors"
)

type bundleRequest struct {
	Caller   string `json:"caller" binding:"required"`
	Quantity string `json:"quantity" binding:"required"`
	Value    string `json:"value"`
}

type debundleRequest struct {
	Caller    string `json:"caller" binding:"required"`
	Recipient string `json:"recipient"`
	Quantity  string `json:"quantity" binding:"required"`
}

type withdrawRequest struct {
	Caller string `json:"caller" binding:"required"`
	Token  string `json:"token" binding:"required"`
}

type transferRequest struct {
	Caller string `json:"caller" binding:"required"`
	From   string `json:"from"`
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

type approveRequest struct {
	Caller  string `json:"caller" binding:"required"`
	Spender string `json:"spender" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

type feeRecipientRequest struct {
	Caller    string `json:"caller" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
}

type feeRateRequest struct {
	Caller string `json:"caller" binding:"required"`
	Rate   string `json:"rate" binding:"required"`
}

type createOrderRequest struct {
	Caller       string `json:"caller" binding:"required"`
	Basket       string `json:"basket" binding:"required"`
	BasketAmount string `json:"basket_amount" binding:"required"`
	BaseAmount   string `json:"base_amount"`
	Value        string `json:"value"`
	ExpiresAt    int64  `json:"expires_at" binding:"required"`
	Nonce        uint64 `json:"nonce"`
}

type orderActionRequest struct {
	Caller       string `json:"caller" binding:"required"`
	Creator      string `json:"creator"`
	Basket       string `json:"basket" binding:"required"`
	BasketAmount string `json:"basket_amount" binding:"required"`
	BaseAmount   string `json:"base_amount"`
	Value        string `json:"value"`
	ExpiresAt    int64  `json:"expires_at" binding:"required"`
	Nonce        uint64 `json:"nonce"`
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.ErrInvalidParameters.Explain("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAmount parses a decimal amount, treating the empty string as zero
func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.ErrInvalidParameters.Explain("invalid amount %q", raw)
	}
	return d, nil
}

func (s *Server) handleBundle(c *gin.Context) {
	var req bundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	quantity, err := parseAmount(req.Quantity)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.custody.Bundle(c.Request.Context(), caller, quantity, value); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s.custody.BalanceOf(caller)})
}

func (s *Server) handleDebundle(c *gin.Context) {
	var req debundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	recipient := caller
	if req.Recipient != "" {
		if recipient, err = parseAddress(req.Recipient); err != nil {
			s.abortWithError(c, err)
			return
		}
	}
	quantity, err := parseAmount(req.Quantity)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.custody.DebundleTo(c.Request.Context(), caller, recipient, quantity); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s.custody.BalanceOf(caller)})
}

func (s *Server) handleBurn(c *gin.Context) {
	var req bundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	quantity, err := parseAmount(req.Quantity)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.custody.BurnWithoutWithdrawal(c.Request.Context(), caller, quantity); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s.custody.BalanceOf(caller)})
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	tokenAddr, err := parseAddress(req.Token)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.custody.Withdraw(c.Request.Context(), caller, tokenAddr); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "withdrawn"})
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	if req.From != "" {
		// transferFrom: caller spends an allowance granted by from
		from, err := parseAddress(req.From)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		if err := s.custody.TransferFrom(ctx, caller, from, to, amount); err != nil {
			s.abortWithError(c, err)
			return
		}
	} else if err := s.custody.Transfer(ctx, caller, to, amount); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "transferred"})
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.custody.Approve(c.Request.Context(), caller, spender, amount); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (s *Server) handleCustodyFeeRecipient(c *gin.Context) {
	var req feeRecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.custody.ChangeFeeRecipient(c.Request.Context(), caller, recipient); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleCustodyFeeRate(c *gin.Context) {
	var req feeRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	rate, err := parseAmount(req.Rate)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.custody.ChangeFeeRate(c.Request.Context(), caller, rate); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleBalance(c *gin.Context) {
	addr, err := parseAddress(c.Param("address"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s.custody.BalanceOf(addr)})
}

func (s *Server) handleOutstanding(c *gin.Context) {
	addr, err := parseAddress(c.Param("address"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	tokenAddr, err := parseAddress(c.Param("token"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outstanding": s.custody.OutstandingBalance(addr, tokenAddr)})
}

func (s *Server) handleSupply(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"total_supply": s.custody.TotalSupply()})
}

func (s *Server) handleCreateBuyOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, basket, basketAmount, err := s.parseOrderCommon(req.Caller, req.Basket, req.BasketAmount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	index, err := s.escrow.CreateBuyOrder(c.Request.Context(), caller, basket, basketAmount, req.ExpiresAt, req.Nonce, value)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"index": index})
}

func (s *Server) handleCreateSellOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, basket, basketAmount, err := s.parseOrderCommon(req.Caller, req.Basket, req.BasketAmount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	baseAmount, err := parseAmount(req.BaseAmount)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	index, err := s.escrow.CreateSellOrder(c.Request.Context(), caller, basket, basketAmount, baseAmount, req.ExpiresAt, req.Nonce)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"index": index})
}

func (s *Server) handleCancelBuyOrder(c *gin.Context) {
	req, err := s.bindOrderAction(c)
	if err != nil {
		return
	}
	if err := s.escrow.CancelBuyOrder(c.Request.Context(), req.caller, req.basket, req.basketAmount, req.baseAmount, req.expiresAt, req.nonce); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleCancelSellOrder(c *gin.Context) {
	req, err := s.bindOrderAction(c)
	if err != nil {
		return
	}
	if err := s.escrow.CancelSellOrder(c.Request.Context(), req.caller, req.basket, req.basketAmount, req.baseAmount, req.expiresAt, req.nonce); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleFillBuyOrder(c *gin.Context) {
	req, err := s.bindOrderAction(c)
	if err != nil {
		return
	}
	if err := s.escrow.FillBuyOrder(c.Request.Context(), req.caller, req.creator, req.basket, req.basketAmount, req.baseAmount, req.expiresAt, req.nonce); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "filled"})
}

func (s *Server) handleFillSellOrder(c *gin.Context) {
	req, err := s.bindOrderAction(c)
	if err != nil {
		return
	}
	if err := s.escrow.FillSellOrder(c.Request.Context(), req.caller, req.creator, req.basket, req.basketAmount, req.expiresAt, req.nonce, req.value); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "filled"})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Explain("invalid order index"))
		return
	}
	c.JSON(http.StatusOK, s.escrow.GetOrderDetails(index))
}

func (s *Server) handleEscrowFeeRecipient(c *gin.Context) {
	var req feeRecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.escrow.ChangeTransactionFeeRecipient(c.Request.Context(), caller, recipient); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleEscrowFeeRate(c *gin.Context) {
	var req feeRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.ErrInvalidParameters.Wrap(err))
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	rate, err := parseAmount(req.Rate)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.escrow.ChangeTransactionFee(c.Request.Context(), caller, rate); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.journal.List(c.Request.Context(), c.Query("component"), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) parseOrderCommon(callerRaw, basketRaw, basketAmountRaw string) (caller, basket common.Address, basketAmount decimal.Decimal, err error) {
	if caller, err = parseAddress(callerRaw); err != nil {
		return
	}
	if basket, err = parseAddress(basketRaw); err != nil {
		return
	}
	basketAmount, err = parseAmount(basketAmountRaw)
	return
}

type orderAction struct {
	caller       common.Address
	creator      common.Address
	basket       common.Address
	basketAmount decimal.Decimal
	baseAmount   decimal.Decimal
	value        decimal.Decimal
	expiresAt    int64
	nonce        uint64
}

// bindOrderAction parses the shared cancel/fill request shape; on error it
// has already written the response.
func (s *Server) bindOrderAction(c *gin.Context) (*orderAction, error) {
	var req orderActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		err = errors.ErrInvalidParameters.Wrap(err)
		s.abortWithError(c, err)
		return nil, err
	}
	out := &orderAction{expiresAt: req.ExpiresAt, nonce: req.Nonce}
	var err error
	if out.caller, out.basket, out.basketAmount, err = s.parseOrderCommon(req.Caller, req.Basket, req.BasketAmount); err != nil {
		s.abortWithError(c, err)
		return nil, err
	}
	out.creator = out.caller
	if req.Creator != "" {
		if out.creator, err = parseAddress(req.Creator); err != nil {
			s.abortWithError(c, err)
			return nil, err
		}
	}
	if out.baseAmount, err = parseAmount(req.BaseAmount); err != nil {
		s.abortWithError(c, err)
		return nil, err
	}
	if out.value, err = parseAmount(req.Value); err != nil {
		s.abortWithError(c, err)
		return nil, err
	}
	return out, nil
}
