// Package domain holds the ledger state types the storage tests run
// against.
package domain

import (
	"errors"
	"fmt"

	"github.com/photoatomic/darc-go/core/txstorage"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Events
type (
	Deposited struct {
		Amount int `json:"amount"`
	}
	Withdrawn struct {
		Amount int `json:"amount"`
	}
)

func (e Deposited) Validate() error {
	if e.Amount <= 0 {
		return errors.New("deposit amount must be positive")
	}
	return nil
}

func (e Withdrawn) Validate() error {
	if e.Amount <= 0 {
		return errors.New("withdrawal amount must be positive")
	}
	return nil
}

// Account is an event-sourced ledger state.
type Account struct {
	txstorage.Base
	Balance      int `json:"balance"`
	Transactions int `json:"transactions"`
}

func NewAccount() txstorage.State { return &Account{} }

// Register registers the account event types with r.
func Register(r txstorage.Registrar) {
	txstorage.RegisterEventFor[Deposited](r)
	txstorage.RegisterEventFor[Withdrawn](r)
}

func (a *Account) Apply(event any) error {
	switch e := event.(type) {
	case *Deposited:
		a.Balance += e.Amount
		a.Transactions++
	case *Withdrawn:
		a.Balance -= e.Amount
		a.Transactions++
	default:
		return fmt.Errorf("unknown event: %T", event)
	}
	return nil
}

func (a *Account) Clone() txstorage.State {
	return &Account{Balance: a.Balance, Transactions: a.Transactions}
}

func (a *Account) Deposit(amount int) error {
	return txstorage.RaiseAndApply(a, &Deposited{Amount: amount})
}

func (a *Account) Withdraw(amount int) error {
	if a.Balance < amount {
		return fmt.Errorf("%w: balance=%d, requested=%d", ErrInsufficientFunds, a.Balance, amount)
	}
	return txstorage.RaiseAndApply(a, &Withdrawn{Amount: amount})
}

// Note is a legacy state without a pending-event list; the engine persists
// it through whole-state snapshot events.
type Note struct {
	Text  string `json:"text"`
	Edits int    `json:"edits"`
}

func NewNote() txstorage.State { return &Note{} }

func (n *Note) Apply(event any) error {
	return fmt.Errorf("unknown event: %T", event)
}

func (n *Note) Clone() txstorage.State {
	return &Note{Text: n.Text, Edits: n.Edits}
}

func (n *Note) Edit(text string) {
	n.Text = text
	n.Edits++
}
