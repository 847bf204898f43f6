// Package report формирует выгрузки для операторов.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/mmeshcher/starshop/internal/model"
)

// OrdersSheet имя листа с заказами.
const OrdersSheet = "Заказы"

var orderHeaders = []string{
	"ID заказа", "Пользователь", "Товар", "ID товара", "Сумма, XTR",
	"Статус", "Выдача", "Попыток", "Платёж", "Создан",
}

// WriteOrdersXLSX записывает заказы в книгу XLSX.
func WriteOrdersXLSX(w io.Writer, orders []model.Order) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(OrdersSheet)
	if err != nil {
		return fmt.Errorf("new sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	for i, header := range orderHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(OrdersSheet, cell, header); err != nil {
			return fmt.Errorf("set header: %w", err)
		}
	}

	for i, o := range orders {
		row := []any{
			o.ID, o.UserID, o.ProductName, o.ProductID, o.Price,
			string(o.Status), string(o.DeliveryStatus), o.DeliveryAttempts,
			o.ChargeID, o.CreatedAt.Format("02.01.2006 15:04"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(OrdersSheet, cell, &row); err != nil {
			return fmt.Errorf("set row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(OrdersSheet, "A", "J", 16); err != nil {
		return fmt.Errorf("set width: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
