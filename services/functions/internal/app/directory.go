package app

import (
	"context"
	"net/http"

	"pingai/pkg/domain"
	"pingai/pkg/identity"
	"pingai/pkg/store"
)

// Directory reads customer rows.
type Directory interface {
	CustomerByEmail(ctx context.Context, email string) (domain.User, bool, error)
	// CustomerByID reads the row of id. token is the caller's access token,
	// which remote directories use to scope the read.
	CustomerByID(ctx context.Context, token, id string) (domain.User, bool, error)
}

// ProviderDirectory reads customers through the auth service REST API.
type ProviderDirectory struct {
	Client *identity.Client
}

func (d ProviderDirectory) CustomerByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return d.Client.CustomerByEmail(ctx, email)
}

func (d ProviderDirectory) CustomerByID(ctx context.Context, token, id string) (domain.User, bool, error) {
	u, err := d.Client.Me(ctx, token)
	if identity.IsStatus(err, http.StatusNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	if u.ID != id {
		return domain.User{}, false, nil
	}
	return u, true, nil
}

// StoreDirectory reads customers straight from the database.
type StoreDirectory struct {
	Store store.Store
}

func (d StoreDirectory) CustomerByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return d.Store.GetCustomerByEmail(ctx, email)
}

func (d StoreDirectory) CustomerByID(ctx context.Context, _ string, id string) (domain.User, bool, error) {
	return d.Store.GetCustomerByID(ctx, id)
}
