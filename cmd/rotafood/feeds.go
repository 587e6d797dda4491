package main

import (
	"context"

	"github.com/rotafood/rotafood/internal/delivery"
	"github.com/rotafood/rotafood/internal/feed"
	"github.com/rotafood/rotafood/internal/settlement"
)

const feedOrderLimit = 200

// registerFeeds binds the change-stream collections and dashboard sections
// to the services that own them.
func registerFeeds(hub *feed.Hub, orders *delivery.Service, money *settlement.Service) {
	listOrders := func(ctx context.Context) (any, error) {
		list, _, err := orders.ListOrders(ctx, delivery.ListFilter{Limit: feedOrderLimit})
		return list, err
	}
	listDrivers := func(ctx context.Context) (any, error) {
		return orders.ListDrivers(ctx)
	}

	hub.Register(delivery.CollectionOrders, listOrders)
	hub.Register(delivery.CollectionDrivers, listDrivers)
	hub.Register(settlement.CollectionVales, func(ctx context.Context) (any, error) {
		drivers, err := orders.ListDrivers(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]settlement.Vale, len(drivers))
		for _, d := range drivers {
			vales, err := money.ListVales(ctx, d.ID, nil)
			if err != nil {
				return nil, err
			}
			out[d.ID] = vales
		}
		return out, nil
	})
	hub.Register(settlement.CollectionSettlements, func(ctx context.Context) (any, error) {
		drivers, err := orders.ListDrivers(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]settlement.Settlement, len(drivers))
		for _, d := range drivers {
			history, err := money.ListSettlements(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			out[d.ID] = history
		}
		return out, nil
	})

	hub.RegisterSection("orders", listOrders)
	hub.RegisterSection("drivers", listDrivers)
	hub.RegisterSection("balances", func(ctx context.Context) (any, error) {
		drivers, err := orders.ListDrivers(ctx)
		if err != nil {
			return nil, err
		}
		return money.OpenBalances(ctx, drivers)
	})
}
