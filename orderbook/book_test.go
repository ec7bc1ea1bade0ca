package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"

	"algotrader/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func lvl(price, size string) model.PriceLevel {
	return model.PriceLevel{Price: d(price), Size: d(size)}
}

func TestLoadSnapshotAndSort(t *testing.T) {
	b := newBook(model.NewSymbol("eth", "usdt"))
	b.loadSnapshot(model.Snapshot{
		Bids: []model.PriceLevel{lvl("100", "1"), lvl("99", "2")},
		Asks: []model.PriceLevel{lvl("102", "1"), lvl("101", "2")},
	})

	bids := b.ListBids()
	if len(bids) != 2 || !bids[0].Price.Equal(d("100")) {
		t.Fatalf("bids not sorted descending: %+v", bids)
	}
	asks := b.ListAsks()
	if len(asks) != 2 || !asks[0].Price.Equal(d("101")) {
		t.Fatalf("asks not sorted ascending: %+v", asks)
	}
}

func TestApplyUpdateZeroSizeDeletes(t *testing.T) {
	b := newBook(model.NewSymbol("eth", "usdt"))
	b.loadSnapshot(model.Snapshot{Bids: []model.PriceLevel{lvl("100", "1")}})
	b.applyUpdate(model.Update{Bids: []model.PriceLevel{lvl("100", "0")}})
	if len(b.ListBids()) != 0 {
		t.Fatalf("expected level removed on zero size")
	}
}

func TestFindOrderAsksWalksAscending(t *testing.T) {
	b := newBook(model.NewSymbol("eth", "usdt"))
	b.loadSnapshot(model.Snapshot{
		Asks: []model.PriceLevel{lvl("100", "1"), lvl("101", "5")},
	})
	size := d("3")
	filters := model.Filters{Size: model.Range{Step: d("0.001")}, QuotePrecision: 2}
	fills, err := b.FindOrderAsks(&size, nil, d("0.001"), filters)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var total decimal.Decimal
	for _, f := range fills {
		total = total.Add(f.Size)
		if f.FeeAsset != "eth" {
			t.Fatalf("expected base-asset fee on buy, got %s", f.FeeAsset)
		}
	}
	if !total.Equal(size) {
		t.Fatalf("expected total size %s, got %s", size, total)
	}
}

func TestUpdatedFiresOncePerBatch(t *testing.T) {
	b := newBook(model.NewSymbol("eth", "usdt"))
	ch := b.Updated()
	b.applyUpdate(model.Update{Bids: []model.PriceLevel{lvl("1", "1")}})
	b.notifyUpdated()
	select {
	case <-ch:
	default:
		t.Fatalf("expected Updated() channel to close after notifyUpdated")
	}
}
