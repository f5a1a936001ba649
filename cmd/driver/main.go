package main

import (
	"errors"
	"fmt"

	"github.com/dborchard/kvt/catalog"
	"github.com/dborchard/kvt/engine"
	"github.com/dborchard/kvt/kverrors"
)

func main() {
	store := engine.New(engine.DefaultConfig("./kvt-driver-data", engine.Strategy2PL))
	if err := store.Initialize(); err != nil {
		panic(err)
	}
	defer store.Shutdown()

	inventory, err := store.CreateTable("inventory", catalog.PartitionRange)
	if err != nil && kverrors.KindOf(err) != kverrors.TableAlreadyExists {
		panic(err)
	}
	if err != nil {
		inventory, err = store.GetTableID("inventory")
		if err != nil {
			panic(err)
		}
	}

	// Normal read and write, auto-committed.
	if err := store.Set(0, inventory, []byte("HDD"), []byte("Hard disk")); err != nil {
		panic(err)
	}
	if err := store.Set(0, inventory, []byte("HDD"), []byte("Hard disk drive")); err != nil {
		panic(err)
	}
	value, err := store.Get(0, inventory, []byte("HDD"))
	if err != nil {
		panic(err)
	}
	fmt.Println(string(value))

	// Two explicit transactions contend for the same key: the second
	// must see KeyLocked rather than silently clobbering the first.
	txA, err := store.StartTx()
	if err != nil {
		panic(err)
	}
	if err := store.Set(txA, inventory, []byte("SSD"), []byte("Solid state drive")); err != nil {
		panic(err)
	}

	txB, err := store.StartTx()
	if err != nil {
		panic(err)
	}
	err = store.Set(txB, inventory, []byte("SSD"), []byte("conflicting write"))
	if err == nil {
		panic("expected a lock conflict")
	}
	if !errors.Is(err, kverrors.Sentinel(kverrors.KeyLocked)) {
		panic(err)
	}
	if err := store.RollbackTx(txB); err != nil {
		panic(err)
	}
	if err := store.CommitTx(txA); err != nil {
		panic(err)
	}

	value, err = store.Get(0, inventory, []byte("SSD"))
	if err != nil {
		panic(err)
	}
	fmt.Println(string(value))
}
