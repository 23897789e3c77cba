// Package doccache is an embeddable, strongly consistent in-memory mirror
// of MongoDB collections holding typed immutable documents.
//
// Each Cache fronts one collection: reads are served from memory, writes go
// through optimistic-concurrency CAS transactions against the store, and a
// change-stream replicator folds external mutations back into the mirror
// with resumable positions. Fallible operations return a Result value
// instead of a bare (T, error) pair, closing over the success, empty,
// failure and rejected outcomes.
//
// Basic usage:
//
//	client, err := doccache.Connect(ctx, doccache.Config{
//	    StorageMode: doccache.StorageModeMongo,
//	    StoreURI:    "mongodb://localhost:27017",
//	})
//	reg, err := doccache.Register(client, "game")
//	players, err := doccache.NewCache[string, *Player](ctx, reg, "players", doccache.StringKeys{})
//
//	res := players.Update(ctx, id, func(p *Player) (*Player, error) {
//	    p.Balance += 100
//	    return p, nil
//	})
package doccache
