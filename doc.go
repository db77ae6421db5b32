// Package uow coordinates writes to a relational database through a unit of
// work.
//
// A UnitOfWork owns a repository.Session and hands out one
// repository.Repository per entity type, all bound to that session.
// Repositories stage inserts, updates and deletes; SaveChanges applies them
// atomically. BeginTransaction, CommitTransaction and RollbackTransaction
// group several saves into one transaction:
//
//	u, err := uow.New(db)
//	if err != nil {
//		return err
//	}
//	defer u.Close()
//
//	sides, err := uow.GetRepository[Side](u)
//	if err != nil {
//		return err
//	}
//	if err := sides.Insert(ctx, &Side{Name: "Light"}); err != nil {
//		return err
//	}
//	return u.SaveChanges(ctx, false)
package uow
